package guard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/ratelimit"
	"shield/cmd/security/token"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"

// newHeuristicFixture wires the production classifier the way the runtime does.
func newHeuristicFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	bl := blacklist.New(blacklist.WithClock(clk))
	lim, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)
	events, err := eventlog.New(eventlog.DefaultCapacity)
	require.NoError(t, err)
	h := classifier.NewHeuristic(classifier.DefaultHeuristicConfig())
	adapter, err := classifier.NewAdapter(h)
	require.NoError(t, err)
	g, err := New(Deps{
		Blacklist:  bl,
		Classifier: adapter,
		Limiter:    lim,
		Events:     events,
		Clock:      clk,
		TokenKey:   token.Keyer{}.Key,
		Auth:       h,
	}, DefaultConfig())
	require.NoError(t, err)
	return fixture{g: g, bl: bl, lim: lim, events: events, clk: clk}
}

func TestLoginFloodWithDefaultClassifier(t *testing.T) {
	t.Parallel()

	f := newHeuristicFixture(t)
	req := domain.Request{IP: "45.123.45.67", Endpoint: "/api/login", Method: http.MethodPost, UserAgent: browserUA}

	for i := 1; i <= 100; i++ {
		req.Time = t0.Add(time.Duration(i) * 500 * time.Millisecond)
		out, err := f.g.Evaluate(context.Background(), req)
		require.NoError(t, err)
		require.True(t, out.Allowed(), "request %d reason=%s", i, out.Event.Reason)
		want := domain.VerdictAllow
		if i > 80 {
			want = domain.VerdictWarn
		}
		require.Equal(t, want, out.Event.Verdict, "request %d", i)
	}

	req.Time = t0.Add(101 * 500 * time.Millisecond)
	out, err := f.g.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Allowed())
	assert.Equal(t, domain.ReasonRateLimit, out.Event.Reason)
	assert.False(t, out.Escalated)
	assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, req.IP))
}

func TestScriptedClientsAreNotBlacklisted(t *testing.T) {
	t.Parallel()

	f := newHeuristicFixture(t)
	for i, ua := range []string{"", "curl/8.5.0", "Go-http-client/1.1", "okhttp/4.12.0", "Java/17.0.2"} {
		ip := fmt.Sprintf("10.1.1.%d", i+1)
		out, err := f.g.Evaluate(context.Background(), domain.Request{IP: ip, Endpoint: "/api/items", Method: http.MethodGet, UserAgent: ua})
		require.NoError(t, err)
		assert.True(t, out.Allowed(), "ua %q", ua)
		assert.False(t, out.Escalated, "ua %q", ua)
		assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, ip), "ua %q", ua)
	}

	out, err := f.g.Evaluate(context.Background(), domain.Request{
		IP: "10.1.1.9", Endpoint: "/", Method: http.MethodGet,
		UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	})
	require.NoError(t, err)
	assert.False(t, out.Allowed())
	assert.Equal(t, domain.ReasonBotDetection, out.Event.Reason)
}

func TestMiddlewareFeedsUpstreamAuthFailures(t *testing.T) {
	t.Parallel()

	f := newHeuristicFixture(t)
	status := http.StatusUnauthorized
	h := f.g.Middleware(MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		r.RemoteAddr = "198.51.100.20:4000"
		r.Header.Set("User-Agent", browserUA)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	// Successful logins never count.
	status = http.StatusOK
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, do().Code)
	}

	// Eight failures score 0.95, not above the threshold.
	status = http.StatusUnauthorized
	for i := 1; i <= 9; i++ {
		require.Equal(t, http.StatusUnauthorized, do().Code, "attempt %d", i)
	}

	w := do()
	require.Equal(t, http.StatusForbidden, w.Code)
	e, ok := f.bl.Lookup(domain.KeyClassIP, "198.51.100.20")
	require.True(t, ok)
	assert.Equal(t, domain.ReasonBruteForce, e.Reason)
}

func TestMiddlewareAuthSuccessClearsFailures(t *testing.T) {
	t.Parallel()

	f := newHeuristicFixture(t)
	statuses := []int{401, 401, 401, 401, 401, 401, 401, 401, 200, 401, 401, 401, 401, 401, 401}
	var i int
	h := f.g.Middleware(MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[i])
	}))
	for i = range statuses {
		r := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		r.RemoteAddr = "198.51.100.21:4000"
		r.Header.Set("User-Agent", browserUA)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		require.Equal(t, statuses[i], w.Code, "request %d", i+1)
	}
	assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, "198.51.100.21"))
}

func TestEscalatedUserDoesNotBlockSameStringIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	user := domain.Request{User: "10.3.3.3", Endpoint: "/api/items"}
	var out Outcome
	for i := 0; i < 53; i++ {
		var err error
		out, err = f.g.Evaluate(context.Background(), user)
		require.NoError(t, err)
	}
	require.True(t, out.Escalated)
	assert.True(t, f.bl.CheckBlocked(domain.KeyClassUser, "10.3.3.3"))

	out, err := f.g.Evaluate(context.Background(), domain.Request{IP: "10.3.3.3", Endpoint: "/api/items"})
	require.NoError(t, err)
	assert.True(t, out.Allowed())
	assert.False(t, f.bl.CheckBlocked(domain.KeyClassIP, "10.3.3.3"))
}
