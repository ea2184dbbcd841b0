package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
	"shield/cmd/internal/realtime"
	"shield/cmd/internal/store"
	"shield/cmd/security/operator"
	"shield/cmd/security/token"
	v1 "shield/shared/contracts/stream/v1"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

const aliceKey = "b3f1c2d4e5a6978812aabbccddeeff00"

type fixture struct {
	srv       *httptest.Server
	h         *Handler
	clk       *clock.Manual
	bl        *blacklist.Manager
	lim       *ratelimit.Limiter
	events    *eventlog.Log
	st        *store.MemoryStore
	persister *store.Persister
	hub       *realtime.Hub
}

type fixtureOpts struct {
	auth bool
	cfg  Config
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	clk := clock.NewManual(t0)
	bl := blacklist.New(blacklist.WithClock(clk))
	lim, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)
	events, err := eventlog.New(1000)
	require.NoError(t, err)
	adapter, err := classifier.NewAdapter(classifier.Func(func(context.Context, domain.Request) (classifier.Score, error) {
		return classifier.Score{}, nil
	}))
	require.NoError(t, err)
	g, err := guard.New(guard.Deps{
		Blacklist:  bl,
		Classifier: adapter,
		Limiter:    lim,
		Events:     events,
		Clock:      clk,
		Logger:     log,
		TokenKey:   token.Keyer{}.Key,
	}, guard.DefaultConfig())
	require.NoError(t, err)

	st := store.NewMemoryStore(0)
	p := store.NewPersister(st, log, 0)
	hub := realtime.NewHub(log)

	var auth *operator.Authenticator
	if o.auth {
		cfg := operator.DefaultConfig()
		cfg.Params.MemoryKiB = 8 * 1024
		cfg.Params.Iterations = 1
		cfg.Params.Parallelism = 1
		hash, err := cfg.Hash(aliceKey)
		require.NoError(t, err)
		auth, err = operator.NewAuthenticator(cfg, []operator.Operator{{Name: "alice", Hash: hash}}, time.Minute)
		require.NoError(t, err)
	}

	h, err := NewHandler(Deps{
		Log:        log,
		Clock:      clk,
		Events:     events,
		Blacklist:  bl,
		Limiter:    lim,
		Classifier: adapter,
		Guard:      g,
		Store:      st,
		Persister:  p,
		Hub:        hub,
		Auth:       auth,
	}, o.cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/v1", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, h: h, clk: clk, bl: bl, lim: lim, events: events, st: st, persister: p, hub: hub}
}

// drain runs the persister until its queue is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.persister.Run(ctx))
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestListEventsPagingAndFilters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	for range 15 {
		resp, _ := f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "10.0.0.1", Endpoint: "/api/orders"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/events?page=2&page_size=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[eventsResponse](t, body)
	assert.Equal(t, 15, page.Total)
	require.Len(t, page.Events, 5)
	// Newest first: the second page holds the oldest events.
	assert.Equal(t, uint64(5), page.Events[0].ID)
	assert.Equal(t, uint64(1), page.Events[4].ID)

	_, body = f.do(t, http.MethodGet, "/v1/events?decision=blocked", "", nil)
	assert.Equal(t, 0, decode[eventsResponse](t, body).Total)

	_, body = f.do(t, http.MethodGet, "/v1/events?q=ORDERS&key_class=ip", "", nil)
	assert.Equal(t, 15, decode[eventsResponse](t, body).Total)

	resp, _ = f.do(t, http.MethodGet, "/v1/events?decision=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/events?page_size=10000", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManualBlockUnblockAndClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	resp, body := f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.0.0.5", KeyClass: "ip", TTLSeconds: 1800})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	e := decode[entryResponse](t, body)
	assert.Equal(t, "manual", e.Reason)
	assert.Equal(t, "manual", e.Source)
	assert.Equal(t, int64(1800), e.RemainingSeconds)
	assert.True(t, f.bl.CheckBlocked(domain.KeyClassIP, "10.0.0.5"))

	f.clk.Advance(30 * time.Minute)
	_, body = f.do(t, http.MethodGet, "/v1/blacklist", "", nil)
	assert.Empty(t, decode[blacklistResponse](t, body).Entries, "entry must expire after its TTL")

	resp, body = f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.0.0.6", Reason: "DDoS Attempt"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	e = decode[entryResponse](t, body)
	assert.Equal(t, "ddos", e.Reason)
	assert.Equal(t, int64(3600), e.RemainingSeconds)

	resp, _ = f.do(t, http.MethodDelete, "/v1/blacklist/"+e.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, "10.0.0.6"))

	resp, body = f.do(t, http.MethodDelete, "/v1/blacklist/"+e.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorResponse](t, body).Error.Code)

	for _, bad := range []blockRequest{{Key: ""}, {Key: "x", Reason: "vibes"}, {Key: "x", KeyClass: "mac"}, {Key: "x", TTLSeconds: -1}} {
		resp, _ = f.do(t, http.MethodPost, "/v1/blacklist", "", bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%+v", bad)
	}

	f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "a"})
	f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "b"})
	resp, body = f.do(t, http.MethodDelete, "/v1/blacklist", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"cleared": 2}, decode[map[string]int](t, body))

	f.drain(t)
	recs, err := f.st.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	assert.Equal(t, "blacklist.clear", recs[0].Action)
	assert.Equal(t, anonymousOperator, recs[0].Actor)
	assert.Equal(t, "blacklist.block", recs[len(recs)-1].Action)
	assert.Equal(t, "ip:10.0.0.5", recs[len(recs)-1].Target)
}

func TestManualBlockIsScopedByKeyClass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	resp, body := f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.3.3.3", KeyClass: "user"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "user", decode[entryResponse](t, body).KeyClass)

	resp, body = f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "10.3.3.3", Endpoint: "/api/items"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[evaluateResponse](t, body).Allowed)

	resp, body = f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.4.4.4"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ip", decode[entryResponse](t, body).KeyClass)
}

func TestManualBlockRejectsOversizedTTL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	for _, ttl := range []int64{maxBlockTTLSeconds + 1, 1 << 62} {
		resp, body := f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.0.0.9", TTLSeconds: ttl})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_ttl", decode[errorResponse](t, body).Error.Code)
	}
	assert.Equal(t, 0, f.bl.Len())

	resp, body := f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.0.0.9", TTLSeconds: maxBlockTTLSeconds})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, int64(maxBlockTTLSeconds), decode[entryResponse](t, body).RemainingSeconds)
}

func TestDecodeAndDomainErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{cfg: Config{MaxBodyBytes: 64}})

	post := func(raw string) (*http.Response, errorResponse) {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/blacklist", bytes.NewBufferString(raw))
		require.NoError(t, err)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, decode[errorResponse](t, b)
	}

	resp, e := post("")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", e.Error.Code)

	resp, e = post(`{"key":"a"} {"key":"b"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_json", e.Error.Code)

	resp, e = post(`{"key":"` + strings.Repeat("a", 100) + `"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "body_too_large", e.Error.Code)

	resp, e = post(`{"key":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_config", e.Error.Code)
	assert.Equal(t, "key", e.Error.Field)
}

func TestEvaluateCountsReportedAuthFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	resp, body := f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "10.9.9.9", Endpoint: "/api/login", Auth: "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_auth", decode[errorResponse](t, body).Error.Code)

	resp, body = f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "10.9.9.9", Endpoint: "/api/login", Auth: "failed"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[evaluateResponse](t, body).Allowed)
}

func TestRateLimitConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	c := realtime.NewClient("s1", "", 4)
	f.hub.Register(c)

	resp, body := f.do(t, http.MethodGet, "/v1/ratelimits", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[rateLimitsResponse](t, body)
	require.Len(t, cfg.Rules, 3)
	assert.Equal(t, ruleResponse{KeyClass: "ip", Limit: 100, WindowSeconds: 60, WarnAt: 80, Min: 10, Max: 500}, cfg.Rules[0])
	assert.Equal(t, 50, cfg.Rules[1].Limit)
	assert.Equal(t, 200, cfg.Rules[2].Limit)

	resp, body = f.do(t, http.MethodPut, "/v1/ratelimits/ip", "", setRuleRequest{Limit: 5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_config", decode[errorResponse](t, body).Error.Code)
	assert.Equal(t, 100, f.lim.Config().Rules[domain.KeyClassIP].Limit, "prior config retained")

	resp, body = f.do(t, http.MethodPut, "/v1/ratelimits/ip", "", setRuleRequest{Limit: 20})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg = decode[rateLimitsResponse](t, body)
	assert.Equal(t, 20, cfg.Rules[0].Limit)
	assert.Equal(t, 16, cfg.Rules[0].WarnAt)
	assert.Greater(t, cfg.Version, uint64(1))

	select {
	case env := <-c.Send:
		assert.Equal(t, v1.TypeRateLimitUpdated, env.Type)
	default:
		t.Fatal("expected ratelimit_updated on the stream hub")
	}

	resp, _ = f.do(t, http.MethodPut, "/v1/ratelimits/mac", "", setRuleRequest{Limit: 20})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.drain(t)
	rules, err := f.st.LoadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, rules[domain.KeyClassIP].Limit)
}

func TestEvaluateEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	resp, body := f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "1.2.3.4", Endpoint: "/x", Method: "GET"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	out := decode[evaluateResponse](t, body)
	assert.True(t, out.Allowed)
	require.NotNil(t, out.Limit)
	assert.Equal(t, 100, out.Limit.Limit)
	assert.Equal(t, 99, out.Limit.Remaining)
	assert.Equal(t, domain.DecisionAllowed, out.Event.Decision)

	_, err := f.bl.Block(blacklist.BlockRequest{Key: "1.2.3.4", Reason: domain.ReasonManual})
	require.NoError(t, err)
	_, body = f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "1.2.3.4", Endpoint: "/x"})
	out = decode[evaluateResponse](t, body)
	assert.False(t, out.Allowed)
	require.NotNil(t, out.Entry)
	assert.Equal(t, int64(3600), out.RetryAfter)

	resp, _ = f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{Endpoint: "/x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestThresholds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	_, body := f.do(t, http.MethodGet, "/v1/classifier/thresholds", "", nil)
	got := decode[thresholdsResponse](t, body)
	assert.InDelta(t, 0.95, got.Thresholds["brute-force"], 1e-9)
	assert.InDelta(t, 0.78, got.Thresholds["anomaly"], 1e-9)

	resp, body := f.do(t, http.MethodPut, "/v1/classifier/thresholds", "", thresholdsResponse{Thresholds: map[string]float64{"Brute Force Attack": 0.9}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	got = decode[thresholdsResponse](t, body)
	assert.InDelta(t, 0.9, got.Thresholds["brute-force"], 1e-9)
	assert.InDelta(t, 0.87, got.Thresholds["bot-detection"], 1e-9)

	for _, bad := range []map[string]float64{{"manual": 0.5}, {"ddos": 1.5}, {"nope": 0.5}} {
		resp, _ = f.do(t, http.MethodPut, "/v1/classifier/thresholds", "", thresholdsResponse{Thresholds: bad})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", bad)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "1.1.1.1", Endpoint: "/"})
	_, err := f.bl.Block(blacklist.BlockRequest{Key: "2.2.2.2"})
	require.NoError(t, err)
	f.do(t, http.MethodPost, "/v1/guard/evaluate", "", evaluateRequest{IP: "2.2.2.2", Endpoint: "/"})

	_, body := f.do(t, http.MethodGet, "/v1/stats", "", nil)
	st := decode[statsResponse](t, body)
	assert.Equal(t, 2, st.Events.Total)
	assert.Equal(t, 1, st.Events.Blocked)
	assert.Equal(t, 1, st.Events.ByReason[domain.ReasonManual])
	assert.Equal(t, 1, st.BlacklistSize)
	assert.Equal(t, 1000, st.Events.Retention)
}

func TestOperatorAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{auth: true})

	resp, _ := f.do(t, http.MethodGet, "/v1/blacklist", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads stay open")

	resp, body := f.do(t, http.MethodPost, "/v1/blacklist", "", blockRequest{Key: "10.0.0.5"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer realm="shield"`, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "unauthorized", decode[errorResponse](t, body).Error.Code)

	resp, _ = f.do(t, http.MethodPost, "/v1/blacklist", "wrong-key-wrong-key-wrong-key", blockRequest{Key: "10.0.0.5"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, "10.0.0.5"))

	resp, _ = f.do(t, http.MethodPost, "/v1/blacklist", aliceKey, blockRequest{Key: "10.0.0.5"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/audit", aliceKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// The persister has not run yet.
	assert.Empty(t, decode[map[string][]store.AuditRecord](t, body)["records"])

	f.drain(t)
	_, body = f.do(t, http.MethodGet, "/v1/audit?limit=5", aliceKey, nil)
	recs := decode[map[string][]store.AuditRecord](t, body)["records"]
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].Actor)
	assert.Equal(t, "blacklist.block", recs[0].Action)
	assert.Equal(t, "127.0.0.1", recs[0].RemoteIP)
}

func TestOperatorAuthFailureBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{auth: true, cfg: Config{AuthFailureRate: 0.001, AuthFailureBurst: 2}})

	for range 2 {
		resp, _ := f.do(t, http.MethodDelete, "/v1/blacklist", "guess-guess-guess-guess-guess", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodDelete, "/v1/blacklist", "guess-guess-guess-guess-guess", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestNewHandlerRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := NewHandler(Deps{}, DefaultConfig())
	require.Error(t, err)
}
