package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	v1 "shield/shared/contracts/stream/v1"
)

func newTestGateway(t *testing.T, cfg GatewayConfig, snap SnapshotFunc) (*Gateway, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := NewGateway(log, NewHub(log), snap, cfg)

	mux := http.NewServeMux()
	mux.Handle("/v1/stream", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return gw, ts
}

func dialStream(t *testing.T, baseHTTPURL, origin string, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/v1/stream"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_HelloSnapshotAndPush(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false

	var gotReplay atomic.Int64
	snap := func(replay int) v1.SnapshotPayload {
		gotReplay.Store(int64(replay))
		return v1.SnapshotPayload{
			Events:    []v1.EventPayload{{ID: 1}},
			Blacklist: []v1.BlacklistEntryPayload{{ID: "01J", Key: "10.0.0.5", Reason: "manual", Source: "manual"}},
		}
	}
	gw, ts := newTestGateway(t, cfg, snap)

	conn, resp, err := dialStream(t, ts.URL, "", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		Payload: mustJSONRaw(t, v1.HelloPayload{Topics: []string{v1.TopicBlacklist}, Replay: 9999}),
	})

	ack := readEnvelopeWS(t, conn)
	if ack.Type != v1.TypeHelloAck {
		t.Fatalf("expected hello_ack, got %q", ack.Type)
	}
	var ap v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &ap); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	if ap.SessionID == "" || len(ap.Topics) != 1 || ap.Topics[0] != v1.TopicBlacklist {
		t.Fatalf("unexpected hello_ack: %+v", ap)
	}

	s := readEnvelopeWS(t, conn)
	if s.Type != v1.TypeSnapshot {
		t.Fatalf("expected snapshot, got %q", s.Type)
	}
	var sp v1.SnapshotPayload
	if err := json.Unmarshal(s.Payload, &sp); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(sp.Events) != 0 {
		t.Fatalf("events topic not subscribed, got %d events", len(sp.Events))
	}
	if len(sp.Blacklist) != 1 || sp.Blacklist[0].Key != "10.0.0.5" {
		t.Fatalf("unexpected snapshot blacklist: %+v", sp.Blacklist)
	}
	if got := gotReplay.Load(); got != maxReplay {
		t.Fatalf("replay should be clamped to %d, got %d", maxReplay, got)
	}

	waitForClients(t, gw.Hub(), 1)

	// Filtered topic first, then a subscribed one: only the latter arrives.
	gw.Hub().Broadcast(mustEnvelope(t, v1.TypeEvent, v1.EventPayload{ID: 2}))
	gw.Hub().Broadcast(mustEnvelope(t, v1.TypeBlacklistCleared, struct{}{}))

	pushed := readEnvelopeWS(t, conn)
	if pushed.Type != v1.TypeBlacklistCleared {
		t.Fatalf("expected blacklist_cleared, got %q", pushed.Type)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, gw.Hub(), 0)
}

func TestGateway_UnsupportedType(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	_, ts := newTestGateway(t, cfg, nil)

	conn, resp, err := dialStream(t, ts.URL, "", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: v1.TypeEvent})

	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeError {
		t.Fatalf("expected error, got %q", env.Type)
	}
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if ep.Code != "unsupported" {
		t.Fatalf("expected unsupported, got %q", ep.Code)
	}
}

func TestGateway_RejectsMissingOrigin(t *testing.T) {
	_, ts := newTestGateway(t, DefaultGatewayConfig(), nil)

	_, resp, err := dialStream(t, ts.URL, "", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestGateway_AllowsConfiguredOrigin(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"https://dash.example.com"}
	_, ts := newTestGateway(t, cfg, nil)

	conn, resp, err := dialStream(t, ts.URL, "https://dash.example.com", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	_, resp, err = dialStream(t, ts.URL, "https://evil.example.net", v1.Subprotocol)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got err=%v", err)
	}
}

func TestGateway_RequiresSubprotocol(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	_, ts := newTestGateway(t, cfg, nil)

	conn, resp, err := dialStream(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusProtocolError {
		t.Fatalf("expected protocol error close, got %v (err=%v)", got, err)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173",
		"https://LOCALHOST",
		"*",
		"dash.example.com:443",
		"",
	})
	want := []string{"dash.example.com", "dash.example.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}
