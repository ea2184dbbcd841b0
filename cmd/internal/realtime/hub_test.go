package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
	v1 "shield/shared/contracts/stream/v1"
)

type countingObserver struct {
	clients int
	dropped int
}

func (o *countingObserver) StreamClients(n int) { o.clients = n }
func (o *countingObserver) StreamDropped()      { o.dropped++ }

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		t.Fatalf("newEnvelope: %v", err)
	}
	return env
}

func TestHub_BroadcastDropsWhenQueueFull(t *testing.T) {
	h := testHub()
	obs := &countingObserver{}
	h.SetObserver(obs)

	c := NewClient("s1", "127.0.0.1:1", 1)
	h.Register(c)
	if obs.clients != 1 {
		t.Fatalf("expected observer to see 1 client, got %d", obs.clients)
	}

	env := mustEnvelope(t, v1.TypeEvent, v1.EventPayload{ID: 1})
	if n := h.Broadcast(env); n != 1 {
		t.Fatalf("first broadcast delivered to %d clients, want 1", n)
	}
	if n := h.Broadcast(env); n != 0 {
		t.Fatalf("second broadcast delivered to %d clients, want 0", n)
	}
	if h.Dropped() != 1 || obs.dropped != 1 {
		t.Fatalf("expected one drop, hub=%d observer=%d", h.Dropped(), obs.dropped)
	}

	h.Unregister("s1")
	if h.Len() != 0 || obs.clients != 0 {
		t.Fatalf("expected no clients after unregister")
	}
}

func TestHub_BroadcastSkipsClosedClients(t *testing.T) {
	h := testHub()
	c := NewClient("s1", "", 4)
	h.Register(c)
	c.Close()
	c.Close()

	if n := h.Broadcast(mustEnvelope(t, v1.TypeEvent, v1.EventPayload{ID: 1})); n != 0 {
		t.Fatalf("expected closed client to be skipped, delivered=%d", n)
	}
}

func TestClient_TopicFiltering(t *testing.T) {
	c := NewClient("s1", "", 4)

	if got := c.Topics(); len(got) != 3 {
		t.Fatalf("expected all topics by default, got %v", got)
	}

	got := c.Subscribe([]string{v1.TopicBlacklist, "nope"})
	if len(got) != 1 || got[0] != v1.TopicBlacklist {
		t.Fatalf("unexpected subscription: %v", got)
	}

	if c.Wants(v1.Envelope{Type: v1.TypeEvent}) {
		t.Fatalf("events should be filtered")
	}
	if !c.Wants(v1.Envelope{Type: v1.TypeBlacklistRemoved}) {
		t.Fatalf("blacklist should be delivered")
	}
	if !c.Wants(v1.Envelope{Type: v1.TypeError}) {
		t.Fatalf("control types are always delivered")
	}

	if got := c.Subscribe(nil); len(got) != 3 {
		t.Fatalf("empty subscribe should reset to all topics, got %v", got)
	}
}

func TestHub_PublishersEncodePayloads(t *testing.T) {
	h := testHub()
	c := NewClient("s1", "", 8)
	h.Register(c)

	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	h.ObserveDecision(guard.Outcome{Event: domain.RequestEvent{
		ID:        7,
		SourceKey: "10.0.0.5",
		KeyClass:  domain.KeyClassIP,
		Endpoint:  "/api/login",
		Timestamp: now,
		Decision:  domain.DecisionBlocked,
		Reason:    domain.ReasonRateLimit,
		Verdict:   domain.VerdictBlock,
	}})
	h.OnBlacklistChange(blacklist.Change{Op: blacklist.OpExpired, Entry: blacklist.Entry{
		ID:        "01J",
		Key:       "10.0.0.5",
		Reason:    domain.ReasonRateLimit,
		Source:    blacklist.SourceAutomatic,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}})
	h.PublishRateLimits(ratelimit.DefaultConfig())

	ev := <-c.Send
	if ev.Type != v1.TypeEvent {
		t.Fatalf("expected event, got %q", ev.Type)
	}
	var ep v1.EventPayload
	if err := json.Unmarshal(ev.Payload, &ep); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ep.ID != 7 || ep.Decision != "blocked" || ep.Reason != "rate-limit" {
		t.Fatalf("unexpected event payload: %+v", ep)
	}

	rm := <-c.Send
	if rm.Type != v1.TypeBlacklistRemoved {
		t.Fatalf("expected blacklist_removed, got %q", rm.Type)
	}
	var bp v1.BlacklistEntryPayload
	if err := json.Unmarshal(rm.Payload, &bp); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if !bp.Expired || bp.Key != "10.0.0.5" || bp.Source != "automatic" {
		t.Fatalf("unexpected entry payload: %+v", bp)
	}

	rl := <-c.Send
	if rl.Type != v1.TypeRateLimitUpdated {
		t.Fatalf("expected ratelimit_updated, got %q", rl.Type)
	}
	var rp v1.RateLimitUpdatedPayload
	if err := json.Unmarshal(rl.Payload, &rp); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if len(rp.Rules) != 3 || rp.Rules[0].KeyClass != "ip" || rp.Rules[0].Limit != 100 || rp.Rules[0].WarnAt != 80 {
		t.Fatalf("unexpected rules payload: %+v", rp)
	}
}

func TestFrameLimiter(t *testing.T) {
	f := newFrameLimiter(3, time.Second)
	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	for i := range 3 {
		if !f.Allow(base.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("frame %d should be allowed", i)
		}
	}
	if f.Allow(base.Add(10 * time.Millisecond)) {
		t.Fatalf("fourth frame inside the window should be rejected")
	}
	if !f.Allow(base.Add(time.Second)) {
		t.Fatalf("frame after the window should be allowed")
	}
}

func TestClampReplay(t *testing.T) {
	cases := map[int]int{-5: 0, 0: 0, 20: 20, maxReplay + 1: maxReplay}
	for in, want := range cases {
		if got := clampReplay(in); got != want {
			t.Fatalf("clampReplay(%d) = %d, want %d", in, got, want)
		}
	}
}
