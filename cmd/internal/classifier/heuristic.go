package classifier

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"shield/cmd/internal/domain"
	"shield/cmd/internal/shardmap"
)

const (
	// DefaultLoginAttempts is the number of failed auth attempts per window before brute force is suspected.
	DefaultLoginAttempts = 5
	// DefaultLoginWindow is the brute force observation window.
	DefaultLoginWindow = 5 * time.Minute
	// DefaultBurstRate is the sustained per-fingerprint request rate (per second) before DDoS is suspected.
	DefaultBurstRate = 20
	// DefaultBurst is the token bucket depth for DefaultBurstRate.
	DefaultBurst = 40
	// maxPathLen is the longest endpoint considered ordinary.
	maxPathLen = 2048
)

// HeuristicConfig tunes the built-in detectors.
type HeuristicConfig struct {
	LoginAttempts int
	LoginWindow   time.Duration
	BurstRate     float64
	Burst         int
	// AuthPaths are endpoint substrings counted as authentication attempts.
	AuthPaths []string
}

// DefaultHeuristicConfig returns the production tuning.
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		LoginAttempts: DefaultLoginAttempts,
		LoginWindow:   DefaultLoginWindow,
		BurstRate:     DefaultBurstRate,
		Burst:         DefaultBurst,
		AuthPaths:     []string{"/login", "/signin", "/auth", "/token", "/session"},
	}
}

type attempts struct {
	start time.Time
	n     int
}

type burst struct {
	lim     *rate.Limiter
	denials int
	last    time.Time
}

// Heuristic is an in-process classifier built from request shape and auth
// feedback: crawler user agents, failed logins, per-client burst rate and
// protocol oddities. It never blocks and never returns an error.
type Heuristic struct {
	cfg    HeuristicConfig
	logins *shardmap.Map[attempts]
	bursts *shardmap.Map[*burst]
}

// NewHeuristic fills zero fields of cfg from DefaultHeuristicConfig.
func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	def := DefaultHeuristicConfig()
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = def.LoginAttempts
	}
	if cfg.LoginWindow <= 0 {
		cfg.LoginWindow = def.LoginWindow
	}
	if cfg.BurstRate <= 0 {
		cfg.BurstRate = def.BurstRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if len(cfg.AuthPaths) == 0 {
		cfg.AuthPaths = def.AuthPaths
	}
	return &Heuristic{
		cfg:    cfg,
		logins: shardmap.New[attempts](shardmap.DefaultShards),
		bursts: shardmap.New[*burst](shardmap.DefaultShards),
	}
}

// Classify returns the most confident of the individual detectors.
func (h *Heuristic) Classify(ctx context.Context, req domain.Request) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}
	now := req.Time
	if now.IsZero() {
		now = time.Now()
	}
	best := Score{}
	for _, s := range []Score{
		h.bot(req),
		h.bruteForce(req, now),
		h.ddos(req, now),
		anomaly(req),
	} {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best, nil
}

var scriptedClients = []string{
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
	"okhttp", "libwww-perl", "scrapy", "httpclient", "java/",
}

// Confidence of the bot detector per kind of agent. Only self-declared
// crawlers reach the default threshold; empty and scripted agents are
// ordinary API callers and stay informational.
const (
	crawlerConfidence  = 0.95
	emptyUAConfidence  = 0.5
	scriptedConfidence = 0.4
)

func (h *Heuristic) bot(req domain.Request) Score {
	ua := strings.TrimSpace(req.UserAgent)
	if ua == "" {
		return Score{Category: domain.ReasonBotDetection, Confidence: emptyUAConfidence}
	}
	if useragent.New(ua).Bot() {
		return Score{Category: domain.ReasonBotDetection, Confidence: crawlerConfidence}
	}
	lower := strings.ToLower(ua)
	for _, c := range scriptedClients {
		if strings.Contains(lower, c) {
			return Score{Category: domain.ReasonBotDetection, Confidence: scriptedConfidence}
		}
	}
	return Score{}
}

func (h *Heuristic) isAuthPath(endpoint string) bool {
	p := strings.ToLower(endpoint)
	for _, a := range h.cfg.AuthPaths {
		if strings.Contains(p, a) {
			return true
		}
	}
	return false
}

// RecordAuth feeds back the credential outcome of a request that was already
// classified, typically from the upstream's response status. Only failures on
// auth endpoints count toward brute force; a success clears the count.
func (h *Heuristic) RecordAuth(req domain.Request) {
	now := req.Time
	if now.IsZero() {
		now = time.Now()
	}
	h.recordAuth(req, now)
}

func (h *Heuristic) recordAuth(req domain.Request, now time.Time) int {
	if req.IP == "" || !h.isAuthPath(req.Endpoint) {
		return 0
	}
	window := h.cfg.LoginWindow
	switch req.Auth {
	case domain.AuthFailed:
		got := h.logins.Compute(req.IP, func(cur attempts, ok bool) (attempts, bool) {
			if !ok || now.Sub(cur.start) >= window {
				return attempts{start: now, n: 1}, true
			}
			cur.n++
			return cur, true
		})
		return got.n
	case domain.AuthSucceeded:
		h.logins.Delete(req.IP)
		return 0
	default:
		cur, ok := h.logins.Get(req.IP)
		if !ok || now.Sub(cur.start) >= window {
			return 0
		}
		return cur.n
	}
}

// bruteForce scores the failed credential checks seen from req.IP within the
// window. Requests with an unknown outcome are scored but not counted.
func (h *Heuristic) bruteForce(req domain.Request, now time.Time) Score {
	n := h.recordAuth(req, now)
	if n == 0 {
		return Score{}
	}
	return Score{Category: domain.ReasonBruteForce, Confidence: bruteForceConfidence(n, h.cfg.LoginAttempts)}
}

// bruteForceConfidence is 0.80 at the attempt limit, rising 0.05 per extra attempt, capped at 0.99.
func bruteForceConfidence(n, limit int) float64 {
	if n < limit {
		return 0
	}
	return float64(min(80+5*(n-limit), 99)) / 100
}

func (h *Heuristic) ddos(req domain.Request, now time.Time) Score {
	fp := Fingerprint(req.IP, req.UserAgent)
	var denials int
	h.bursts.Compute(fp, func(cur *burst, ok bool) (*burst, bool) {
		if !ok {
			cur = &burst{lim: rate.NewLimiter(rate.Limit(h.cfg.BurstRate), h.cfg.Burst)}
		}
		cur.last = now
		if cur.lim.AllowN(now, 1) {
			cur.denials = 0
		} else {
			cur.denials++
		}
		denials = cur.denials
		return cur, true
	})
	if denials == 0 {
		return Score{}
	}
	return Score{Category: domain.ReasonDDoS, Confidence: float64(min(90+denials, 99)) / 100}
}

var ordinaryMethods = map[string]bool{
	"": true, http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

func anomaly(req domain.Request) Score {
	p := strings.ToLower(req.Endpoint)
	switch {
	case strings.Contains(p, "../"), strings.Contains(p, "..%2f"), strings.Contains(p, "%2e%2e"):
		return Score{Category: domain.ReasonAnomaly, Confidence: 0.9}
	case strings.ContainsRune(p, 0), strings.Contains(p, "%00"):
		return Score{Category: domain.ReasonAnomaly, Confidence: 0.9}
	case len(p) > maxPathLen:
		return Score{Category: domain.ReasonAnomaly, Confidence: 0.8}
	case !ordinaryMethods[strings.ToUpper(req.Method)]:
		return Score{Category: domain.ReasonAnomaly, Confidence: 0.8}
	}
	return Score{}
}

// Sweep forgets per-client state idle for longer than idle.
func (h *Heuristic) Sweep(now time.Time, idle time.Duration) int {
	n := h.logins.DeleteIf(func(_ string, a attempts) bool {
		return now.Sub(a.start) >= h.cfg.LoginWindow
	})
	n += h.bursts.DeleteIf(func(_ string, b *burst) bool {
		return now.Sub(b.last) >= idle
	})
	return n
}

// Fingerprint derives a stable client identifier from its address and user agent.
func Fingerprint(ip, userAgent string) string {
	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	sum := blake2b.Sum256([]byte(ip + "\x00" + ua.OS() + "\x00" + browser + "\x00" + userAgent))
	return hex.EncodeToString(sum[:16])
}
