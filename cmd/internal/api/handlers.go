package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/ratelimit"
	"shield/cmd/internal/store"
)

// ---- events ----

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f, err := parseFilter(q.Get("q"), q.Get("decision"), q.Get("reason"), q.Get("key_class"), q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	page, err := queryInt(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid_page", "page must be a positive integer")
		return
	}
	size, err := queryInt(q.Get("page_size"), eventlog.DefaultPageSize)
	if err != nil || size < 1 || size > eventlog.MaxPageSize {
		writeError(w, http.StatusBadRequest, "invalid_page_size",
			fmt.Sprintf("page_size must be in [1..%d]", eventlog.MaxPageSize))
		return
	}

	events, total := h.events.Page(f, eventlog.Page{Offset: (page - 1) * size, Limit: size})
	if events == nil {
		events = []domain.RequestEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Total: total, Page: page, PageSize: size})
}

func parseFilter(search, decision, reason, keyClass, since string) (eventlog.Filter, error) {
	f := eventlog.Filter{Search: strings.TrimSpace(search)}
	var err error
	if decision != "" {
		if f.Decision, err = domain.ParseDecision(decision); err != nil {
			return f, err
		}
	}
	if reason != "" {
		if f.Reason, err = domain.ParseReason(reason); err != nil {
			return f, err
		}
	}
	if keyClass != "" {
		if f.KeyClass, err = domain.ParseKeyClass(keyClass); err != nil {
			return f, err
		}
	}
	if since != "" {
		if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	return f, nil
}

func queryInt(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// ---- blacklist ----

// maxBlockTTLSeconds caps manual blocks at one year.
const maxBlockTTLSeconds = 365 * 24 * 60 * 60

func (h *Handler) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	entries := h.bl.List()
	out := blacklistResponse{Entries: make([]entryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, toEntryResponse(e, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	if req.TTLSeconds < 0 || req.TTLSeconds > maxBlockTTLSeconds {
		writeError(w, http.StatusBadRequest, "invalid_ttl",
			fmt.Sprintf("ttl_seconds must be in [0..%d]", maxBlockTTLSeconds))
		return
	}
	br := blacklist.BlockRequest{
		Key:      strings.TrimSpace(req.Key),
		KeyClass: domain.KeyClassIP,
		Note:     strings.TrimSpace(req.Note),
		Source:   blacklist.SourceManual,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	}
	var err error
	if req.KeyClass != "" {
		if br.KeyClass, err = domain.ParseKeyClass(req.KeyClass); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_key_class", err.Error())
			return
		}
	}
	if req.Reason != "" {
		if br.Reason, err = domain.ParseReason(req.Reason); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_reason", err.Error())
			return
		}
	}

	e, err := h.bl.Block(br)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.audit(r, "blacklist.block", e.Identity().String(), fmt.Sprintf("reason=%s ttl=%s", e.Reason, e.ExpiresAt.Sub(e.CreatedAt)))
	writeJSON(w, http.StatusCreated, toEntryResponse(e, h.now()))
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.bl.UnblockID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.audit(r, "blacklist.unblock", e.Identity().String(), "id="+e.ID)
	writeJSON(w, http.StatusOK, toEntryResponse(e, h.now()))
}

func (h *Handler) handleClearBlacklist(w http.ResponseWriter, r *http.Request) {
	n := h.bl.Clear()
	h.audit(r, "blacklist.clear", "", "removed="+strconv.Itoa(n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// ---- rate limits ----

func (h *Handler) handleGetRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toRateLimitsResponse(h.limiter.Config(), h.limiter.Bounds()))
}

func (h *Handler) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	class, err := domain.ParseKeyClass(chi.URLParam(r, "class"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_key_class", err.Error())
		return
	}

	var req setRuleRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	var cfg ratelimit.Config
	if req.WindowSeconds > 0 {
		cfg, err = h.limiter.SetRule(class, ratelimit.Rule{Limit: req.Limit, Window: time.Duration(req.WindowSeconds) * time.Second})
	} else {
		cfg, err = h.limiter.SetLimit(class, req.Limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rule, _ := cfg.Rule(class)
	if h.persister != nil {
		h.persister.SaveRule(class, rule)
	}
	if h.hub != nil {
		h.hub.PublishRateLimits(cfg)
	}
	h.audit(r, "ratelimit.set", string(class), fmt.Sprintf("limit=%d window=%s", rule.Limit, rule.Window))
	writeJSON(w, http.StatusOK, toRateLimitsResponse(cfg, h.limiter.Bounds()))
}

// ---- classifier ----

func (h *Handler) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	if h.cls == nil {
		writeError(w, http.StatusServiceUnavailable, "classifier_disabled", "no classifier configured")
		return
	}
	writeJSON(w, http.StatusOK, toThresholdsResponse(h.cls.Thresholds()))
}

func (h *Handler) handleSetThresholds(w http.ResponseWriter, r *http.Request) {
	if h.cls == nil {
		writeError(w, http.StatusServiceUnavailable, "classifier_disabled", "no classifier configured")
		return
	}

	var req thresholdsResponse
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	t := make(classifier.Thresholds, len(req.Thresholds))
	for k, v := range req.Thresholds {
		cat, err := domain.ParseReason(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_category", err.Error())
			return
		}
		t[cat] = v
	}

	next, err := h.cls.SetThresholds(t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.audit(r, "classifier.thresholds", "", fmt.Sprint(req.Thresholds))
	writeJSON(w, http.StatusOK, toThresholdsResponse(next))
}

func toThresholdsResponse(t classifier.Thresholds) thresholdsResponse {
	out := thresholdsResponse{Thresholds: make(map[string]float64, len(t))}
	for k, v := range t {
		out.Thresholds[string(k)] = v
	}
	return out
}

// ---- guard ----

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	auth, err := domain.ParseAuthResult(req.Auth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_auth", err.Error())
		return
	}

	now := h.now()
	out, err := h.guard.Evaluate(r.Context(), domain.Request{
		IP:        strings.TrimSpace(req.IP),
		User:      strings.TrimSpace(req.User),
		Token:     strings.TrimSpace(req.Token),
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		UserAgent: req.UserAgent,
		Time:      now,
		Auth:      auth,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvaluateResponse(out, now))
}

// ---- stats & audit ----

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Events:           h.events.Stats(eventlog.Filter{}),
		BlacklistSize:    h.bl.Len(),
		RateLimitVersion: h.limiter.Config().Version,
	}
	if h.hub != nil {
		resp.StreamClients = h.hub.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), store.DefaultAuditLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string][]store.AuditRecord{"records": {}})
		return
	}
	recs, err := h.store.ListAudit(r.Context(), limit)
	if err != nil {
		h.log.Error("api.audit.list.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "audit log unavailable")
		return
	}
	if recs == nil {
		recs = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string][]store.AuditRecord{"records": recs})
}

