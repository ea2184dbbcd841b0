package guard

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shield/cmd/internal/domain"
	"shield/cmd/security/token"
)

// DefaultUserHeader carries the authenticated user set by an upstream auth layer.
const DefaultUserHeader = "X-Authenticated-User"

// MiddlewareOptions controls request attribute extraction.
type MiddlewareOptions struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// UserHeader names the header holding the user identity; empty uses DefaultUserHeader.
	UserHeader string
}

// RequestFromHTTP extracts the guard's view of r.
func RequestFromHTTP(r *http.Request, opts MiddlewareOptions, now time.Time) domain.Request {
	uh := opts.UserHeader
	if uh == "" {
		uh = DefaultUserHeader
	}
	req := domain.Request{
		User:      strings.TrimSpace(r.Header.Get(uh)),
		Token:     token.BearerToken(r.Header.Get("Authorization")),
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Time:      now,
	}
	if ip := clientIP(r, opts.TrustProxy); ip != nil {
		req.IP = ip.String()
	}
	return req
}

// Middleware admits or rejects each request before next runs.
// Blacklist and classifier blocks answer 403; rate-limit blocks answer 429 with Retry-After.
// The status next answers with is reported back as the request's credential outcome.
func (o *Orchestrator) Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := o.clock.Now()
			req := RequestFromHTTP(r, opts, now)
			out, err := o.Evaluate(r.Context(), req)
			if err != nil {
				// No identity at all; nothing to limit on.
				o.log.Warn("guard.unidentified_request", "err", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			setLimitHeaders(w.Header(), out, now)
			if out.Allowed() {
				sw := &statusWriter{ResponseWriter: w}
				next.ServeHTTP(sw, r)
				o.RecordAuth(req, domain.AuthResultFromStatus(sw.status()))
				return
			}

			status := http.StatusForbidden
			if out.Event.Reason == domain.ReasonRateLimit && out.Entry == nil {
				status = http.StatusTooManyRequests
				retry := out.Limit.RetryAfter(now)
				w.Header().Set("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
			}
			writeBlocked(w, status, out)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

func setLimitHeaders(h http.Header, out Outcome, now time.Time) {
	if out.Limit.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(out.Limit.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(out.Limit.Remaining()))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(out.Limit.ResetAt.Unix(), 10))
	if out.Limit.Verdict == domain.VerdictWarn {
		h.Set("X-RateLimit-Warning", "approaching limit for "+string(out.Identity.Class))
	}
}

type blockedBody struct {
	Error     string        `json:"error"`
	Reason    domain.Reason `json:"reason,omitempty"`
	EventID   uint64        `json:"event_id"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

func writeBlocked(w http.ResponseWriter, status int, out Outcome) {
	body := blockedBody{
		Error:   "request_blocked",
		Reason:  out.Event.Reason,
		EventID: out.Event.ID,
	}
	if status == http.StatusTooManyRequests {
		body.Error = "rate_limited"
	}
	if out.Entry != nil {
		exp := out.Entry.ExpiresAt.UTC()
		body.ExpiresAt = &exp
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ClientIP returns the caller address as a string, or "" when unknown.
func ClientIP(r *http.Request, trustProxy bool) string {
	if ip := clientIP(r, trustProxy); ip != nil {
		return ip.String()
	}
	return ""
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return net.ParseIP(strings.TrimSpace(r.RemoteAddr))
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
