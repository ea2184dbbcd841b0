package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"shield/cmd/internal/api"
	"shield/cmd/internal/metrics"
	"shield/cmd/internal/realtime"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	be *backend,
	m *metrics.Metrics,
	stream *realtime.Gateway,
	h *api.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && (be == nil || !be.durable()) {
			http.Error(w, "persistent store not configured", http.StatusServiceUnavailable)
			return
		}

		if be != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := be.store.Ping(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				log.Info("readyz.store.not_ready", "store", be.kind, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	if stream != nil {
		mux.HandleFunc("GET /v1/stream", stream.HandleWS)
	}

	if h != nil {
		mux.Handle("/v1/", http.StripPrefix("/v1", h.Routes()))
	}
}

// endpoints are the URLs logged at startup for local operators and the smoke script.
type endpoints struct {
	API     string
	Stream  string
	Metrics string
}

func advertise(addr string) endpoints {
	base := runtimeBaseURL(addr)
	return endpoints{
		API:     base + "/v1",
		Stream:  wsBaseURL(base) + "/v1/stream",
		Metrics: base + "/metrics",
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
