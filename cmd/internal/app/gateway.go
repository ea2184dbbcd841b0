package app

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"shield/cmd/internal/guard"
)

// newGatewayHandler fronts cfg.UpstreamURL with the admission middleware.
// Admitted requests are proxied; rejected ones never reach the upstream.
func newGatewayHandler(cfg Config, log Logger, g *guard.Orchestrator) (http.Handler, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("gateway.upstream.fail", "path", r.URL.Path, "upstream", upstream.Host, "err", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	admit := g.Middleware(guard.MiddlewareOptions{TrustProxy: cfg.TrustProxy})
	log.Info("gateway.enabled", "addr", cfg.GatewayAddr, "upstream", upstream.String())
	return WithRequestLogging(admit(proxy), log), nil
}
