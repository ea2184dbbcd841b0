package realtime

import (
	"encoding/json"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
	v1 "shield/shared/contracts/stream/v1"
)

// EventPayload converts a recorded event to its wire form.
func EventPayload(ev domain.RequestEvent) v1.EventPayload {
	return v1.EventPayload{
		ID:         ev.ID,
		SourceKey:  ev.SourceKey,
		KeyClass:   string(ev.KeyClass),
		Endpoint:   ev.Endpoint,
		Method:     ev.Method,
		Timestamp:  ev.Timestamp.UTC(),
		Decision:   string(ev.Decision),
		Reason:     string(ev.Reason),
		Verdict:    string(ev.Verdict),
		Confidence: ev.Confidence,
	}
}

// EntryPayload converts a blacklist entry to its wire form.
func EntryPayload(e blacklist.Entry) v1.BlacklistEntryPayload {
	return v1.BlacklistEntryPayload{
		ID:        e.ID,
		Key:       e.Key,
		KeyClass:  string(e.KeyClass),
		Reason:    string(e.Reason),
		Note:      e.Note,
		Source:    string(e.Source),
		CreatedAt: e.CreatedAt.UTC(),
		ExpiresAt: e.ExpiresAt.UTC(),
	}
}

// RateLimitsPayload converts a limiter config to its wire form, in key class order.
func RateLimitsPayload(cfg ratelimit.Config) v1.RateLimitUpdatedPayload {
	out := v1.RateLimitUpdatedPayload{Version: cfg.Version}
	for _, class := range domain.KeyClasses() {
		r, ok := cfg.Rule(class)
		if !ok {
			continue
		}
		out.Rules = append(out.Rules, v1.RateLimitPayload{
			KeyClass:      string(class),
			Limit:         r.Limit,
			WindowSeconds: int64(r.Window / time.Second),
			WarnAt:        r.WarnAt(),
		})
	}
	return out
}

// Snapshot builds the initial state pushed after hello_ack.
func Snapshot(events []domain.RequestEvent, entries []blacklist.Entry, cfg ratelimit.Config) v1.SnapshotPayload {
	snap := v1.SnapshotPayload{
		Events:     make([]v1.EventPayload, 0, len(events)),
		Blacklist:  make([]v1.BlacklistEntryPayload, 0, len(entries)),
		RateLimits: RateLimitsPayload(cfg),
	}
	for _, ev := range events {
		snap.Events = append(snap.Events, EventPayload(ev))
	}
	for _, e := range entries {
		snap.Blacklist = append(snap.Blacklist, EntryPayload(e))
	}
	return snap
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

func (h *Hub) publish(typ string, payload any) {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		h.log.Error("stream.encode.fail", "type", typ, "err", err)
		return
	}
	h.Broadcast(env)
}

// ObserveDecision implements guard.Observer.
func (h *Hub) ObserveDecision(o guard.Outcome) {
	if h.Len() == 0 {
		return
	}
	h.publish(v1.TypeEvent, EventPayload(o.Event))
}

// OnBlacklistChange is a blacklist.Listener.
func (h *Hub) OnBlacklistChange(c blacklist.Change) {
	if h.Len() == 0 {
		return
	}
	switch c.Op {
	case blacklist.OpAdded:
		h.publish(v1.TypeBlacklistAdded, EntryPayload(c.Entry))
	case blacklist.OpRemoved, blacklist.OpExpired:
		p := EntryPayload(c.Entry)
		p.Expired = c.Op == blacklist.OpExpired
		h.publish(v1.TypeBlacklistRemoved, p)
	case blacklist.OpCleared:
		h.publish(v1.TypeBlacklistCleared, struct{}{})
	}
}

// PublishRateLimits announces a new limiter config.
func (h *Hub) PublishRateLimits(cfg ratelimit.Config) {
	if h.Len() == 0 {
		return
	}
	h.publish(v1.TypeRateLimitUpdated, RateLimitsPayload(cfg))
}

// SnapshotFunc returns the state for a new session; replay bounds the events.
type SnapshotFunc func(replay int) v1.SnapshotPayload

// clampReplay keeps replay within [0, maxReplay].
func clampReplay(n int) int {
	return min(max(n, 0), maxReplay)
}
