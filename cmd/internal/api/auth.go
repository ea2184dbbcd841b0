package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shield/cmd/internal/guard"
	"shield/cmd/internal/ids"
	"shield/cmd/internal/store"
	"shield/cmd/security/operator"
	"shield/cmd/security/token"
)

type ctxKey int

const operatorKey ctxKey = iota

// anonymousOperator is the audit actor when auth is disabled.
const anonymousOperator = "anonymous"

// requireOperator checks the bearer key. Rejected keys draw from a shared
// failure budget so guessing cannot be used to burn Argon2id time.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, anonymousOperator)))
			return
		}

		if h.authFailures.Tokens() < 1 {
			writeRateLimited(w, time.Second)
			return
		}

		key := token.BearerToken(r.Header.Get("Authorization"))
		name, err := h.auth.Authenticate(key)
		if err != nil {
			_ = h.authFailures.Allow()
			h.log.Warn("api.auth.failed",
				"remote_ip", guard.ClientIP(r, h.cfg.TrustProxy),
				"path", r.URL.Path,
				"err", err,
			)
			if errors.Is(err, operator.ErrUnauthorized) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="shield"`)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "operator key required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey, name)))
	})
}

func operatorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok && v != "" {
		return v
	}
	return anonymousOperator
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

// audit records an operator command through the write-behind persister.
func (h *Handler) audit(r *http.Request, action, target, detail string) {
	now := h.now().UTC()
	rec := store.AuditRecord{
		ID:       ids.MustULID(now),
		At:       now,
		Actor:    operatorFrom(r.Context()),
		Action:   action,
		Target:   target,
		Detail:   detail,
		RemoteIP: guard.ClientIP(r, h.cfg.TrustProxy),
	}
	h.log.Info("api.audit", "action", action, "actor", rec.Actor, "target", target)
	if h.persister != nil {
		h.persister.Audit(rec)
	}
}
