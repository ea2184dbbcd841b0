package api

import (
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
)

type eventsResponse struct {
	Events   []domain.RequestEvent `json:"events"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

type entryResponse struct {
	ID               string    `json:"id"`
	Key              string    `json:"key"`
	KeyClass         string    `json:"key_class,omitempty"`
	Reason           string    `json:"reason"`
	Note             string    `json:"note,omitempty"`
	Source           string    `json:"source"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func toEntryResponse(e blacklist.Entry, now time.Time) entryResponse {
	return entryResponse{
		ID:               e.ID,
		Key:              e.Key,
		KeyClass:         string(e.KeyClass),
		Reason:           string(e.Reason),
		Note:             e.Note,
		Source:           string(e.Source),
		CreatedAt:        e.CreatedAt.UTC(),
		ExpiresAt:        e.ExpiresAt.UTC(),
		RemainingSeconds: int64(e.Remaining(now).Seconds()),
	}
}

type blacklistResponse struct {
	Entries []entryResponse `json:"entries"`
}

type blockRequest struct {
	Key        string `json:"key"`
	// KeyClass scopes Key: ip (default), user or jwt.
	KeyClass   string `json:"key_class,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Note       string `json:"note,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type ruleResponse struct {
	KeyClass      string `json:"key_class"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	WarnAt        int    `json:"warn_at"`
	Min           int    `json:"min"`
	Max           int    `json:"max"`
}

type rateLimitsResponse struct {
	Version uint64         `json:"version"`
	Rules   []ruleResponse `json:"rules"`
}

func toRateLimitsResponse(cfg ratelimit.Config, bounds map[domain.KeyClass]ratelimit.Bounds) rateLimitsResponse {
	out := rateLimitsResponse{Version: cfg.Version, Rules: make([]ruleResponse, 0, len(cfg.Rules))}
	for _, class := range domain.KeyClasses() {
		r, ok := cfg.Rule(class)
		if !ok {
			continue
		}
		b := bounds[class]
		out.Rules = append(out.Rules, ruleResponse{
			KeyClass:      string(class),
			Limit:         r.Limit,
			WindowSeconds: int64(r.Window / time.Second),
			WarnAt:        r.WarnAt(),
			Min:           b.Min,
			Max:           b.Max,
		})
	}
	return out
}

type setRuleRequest struct {
	Limit         int   `json:"limit"`
	WindowSeconds int64 `json:"window_seconds,omitempty"`
}

type evaluateRequest struct {
	IP        string `json:"ip,omitempty"`
	User      string `json:"user,omitempty"`
	Token     string `json:"token,omitempty"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	// Auth is "failed" or "succeeded" when the caller already checked the credential.
	Auth      string `json:"auth,omitempty"`
}

type limitResponse struct {
	Verdict   string    `json:"verdict"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type evaluateResponse struct {
	Allowed    bool                `json:"allowed"`
	Event      domain.RequestEvent `json:"event"`
	Limit      *limitResponse      `json:"limit,omitempty"`
	Escalated  bool                `json:"escalated"`
	Entry      *entryResponse      `json:"entry,omitempty"`
	RetryAfter int64               `json:"retry_after_seconds,omitempty"`
}

func toEvaluateResponse(out guard.Outcome, now time.Time) evaluateResponse {
	resp := evaluateResponse{
		Allowed:   out.Allowed(),
		Event:     out.Event,
		Escalated: out.Escalated,
	}
	if out.Limit.Limit > 0 {
		resp.Limit = &limitResponse{
			Verdict:   string(out.Limit.Verdict),
			Count:     out.Limit.Count,
			Limit:     out.Limit.Limit,
			Remaining: out.Limit.Remaining(),
			ResetAt:   out.Limit.ResetAt.UTC(),
		}
	}
	if out.Entry != nil {
		e := toEntryResponse(*out.Entry, now)
		resp.Entry = &e
		if !resp.Allowed {
			resp.RetryAfter = e.RemainingSeconds
		}
	} else if !resp.Allowed && out.Event.Reason == domain.ReasonRateLimit {
		resp.RetryAfter = int64(out.Limit.RetryAfter(now).Seconds())
	}
	return resp
}

type statsResponse struct {
	Events           eventlog.Stats `json:"events"`
	BlacklistSize    int            `json:"blacklist_size"`
	RateLimitVersion uint64         `json:"rate_limit_version"`
	StreamClients    int            `json:"stream_clients"`
}

type thresholdsResponse struct {
	Thresholds map[string]float64 `json:"thresholds"`
}
