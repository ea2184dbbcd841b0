// Package main provides a CI-friendly smoke test for the Shield dashboard stream.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment and the initial snapshot
//   - event pushes for requests evaluated through POST /v1/guard/evaluate
//   - blacklist_added / blacklist_removed pushes for a manual block and unblock
//   - topic filtering (a blacklist-only client never sees events)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "shield/shared/contracts/stream/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	snapshot  v1.SnapshotPayload

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://127.0.0.1:8080/v1/stream", "stream WebSocket URL")
		apiURL   = flag.String("api", "http://127.0.0.1:8080/v1", "API base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		key      = flag.String("key", os.Getenv("SHIELD_OPERATOR_KEY"), "operator key for command endpoints")
		sourceIP = flag.String("ip", "198.51.100.23", "source IP used for evaluated requests")
		requests = flag.Int("n", 3, "requests to evaluate")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *requests <= 0 {
		fatalf("invalid -n: must be positive")
	}

	root := context.Background()
	api := &apiClient{base: strings.TrimRight(*apiURL, "/"), key: *key, http: &http.Client{Timeout: *timeout}}

	a := mustConnect(root, "A", *wsURL, *origin, nil, 10, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, []string{v1.TopicBlacklist}, 0, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s (snapshot events=%d) B=%s origin=%q\n",
			a.sessionID, len(a.snapshot.Events), b.sessionID, *origin)
	}
	if len(b.snapshot.Events) != 0 {
		fatalf("snapshot for B carried %d events despite replay=0 and blacklist-only topics", len(b.snapshot.Events))
	}
	if len(a.snapshot.RateLimits.Rules) == 0 {
		fatalf("snapshot for A has no rate-limit rules")
	}

	endpoint := fmt.Sprintf("/smoke/%d", time.Now().UnixNano())
	for i := range *requests {
		api.mustEvaluate(*sourceIP, endpoint)
		ev := a.mustReadUntilType(root, v1.TypeEvent, *timeout, nil)

		var p v1.EventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			fatalf("unmarshal event payload: %v", err)
		}
		if p.Endpoint != endpoint || p.SourceKey != *sourceIP {
			fatalf("event %d mismatch: endpoint=%q source=%q", i+1, p.Endpoint, p.SourceKey)
		}
		if *verbose {
			fmt.Printf("event %d: id=%d decision=%s verdict=%s\n", i+1, p.ID, p.Decision, p.Verdict)
		}
	}

	blockKey := fmt.Sprintf("203.0.113.%d", time.Now().UnixNano()%200+1)
	id := api.mustBlock(blockKey)

	skipEvents := map[string]struct{}{v1.TypeEvent: {}}
	for _, c := range []*smokeClient{a, b} {
		added := c.mustReadUntilType(root, v1.TypeBlacklistAdded, *timeout, skipEvents)
		var p v1.BlacklistEntryPayload
		if err := json.Unmarshal(added.Payload, &p); err != nil {
			fatalf("unmarshal blacklist_added (%s): %v", c.name, err)
		}
		if p.Key != blockKey || p.ID != id || p.Source != "manual" {
			fatalf("blacklist_added mismatch (%s): %+v", c.name, p)
		}
	}

	api.mustUnblock(id)
	for _, c := range []*smokeClient{a, b} {
		_ = c.mustReadUntilType(root, v1.TypeBlacklistRemoved, *timeout, skipEvents)
	}

	mustAssertNoType(root, b, v1.TypeEvent, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s events=%d blocked=%s\n", a.sessionID, b.sessionID, *requests, blockKey)
}

type apiClient struct {
	base string
	key  string
	http *http.Client
}

func (c *apiClient) do(method, path string, body any, want int, out any) {
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	res, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != want {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		fatalf("%s %s: status=%d want=%d code=%q msg=%q", method, path, res.StatusCode, want, e.Error.Code, e.Error.Message)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (c *apiClient) mustEvaluate(ip, endpoint string) {
	c.do(http.MethodPost, "/guard/evaluate", map[string]string{
		"ip":         ip,
		"endpoint":   endpoint,
		"method":     http.MethodGet,
		"user_agent": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}, http.StatusOK, nil)
}

func (c *apiClient) mustBlock(key string) string {
	var entry struct {
		ID string `json:"id"`
	}
	c.do(http.MethodPost, "/blacklist", map[string]any{
		"key":         key,
		"key_class":   "ip",
		"note":        "stream smoke",
		"ttl_seconds": 60,
	}, http.StatusCreated, &entry)
	if entry.ID == "" {
		fatalf("block response missing id")
	}
	return entry.ID
}

func (c *apiClient) mustUnblock(id string) {
	c.do(http.MethodDelete, "/blacklist/"+url.PathEscape(id), nil, http.StatusOK, nil)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, topics []string, replay int, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Topics: topics, Replay: replay}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	snap := c.mustReadUntilType(parent, v1.TypeSnapshot, stepTimeout, nil)
	if err := json.Unmarshal(snap.Payload, &c.snapshot); err != nil {
		fatalf("unmarshal snapshot payload (%s): %v", name, err)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
