// Package ratelimit implements per-key fixed windows evaluated per key class.
//
// Each (key class, key) pair owns one window. A window captures the rule that
// was current when it opened, so configuration changes take effect at the next
// window boundary rather than retroactively.
package ratelimit

import (
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"shield/cmd/internal/domain"
	"shield/cmd/internal/shardmap"
)

// Result is the outcome of one Evaluate call.
type Result struct {
	Verdict     domain.Verdict `json:"verdict"`
	Count       int            `json:"count"`
	Limit       int            `json:"limit"`
	WindowStart time.Time      `json:"window_start"`
	ResetAt     time.Time      `json:"reset_at"`
}

// Remaining is how many more calls fit in the current window.
func (r Result) Remaining() int {
	if r.Count >= r.Limit {
		return 0
	}
	return r.Limit - r.Count
}

// RetryAfter is the time left until the window resets.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

type window struct {
	start  time.Time
	count  int
	limit  int
	length time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBounds overrides the accepted limit ranges.
func WithBounds(b map[domain.KeyClass]Bounds) Option {
	return func(l *Limiter) {
		if len(b) > 0 {
			l.bounds = b
		}
	}
}

// WithShards sets the number of window shards.
func WithShards(n int) Option {
	return func(l *Limiter) { l.shards = n }
}

// Limiter is safe for concurrent use. Evaluate calls for the same key
// serialize on that key's shard; different keys do not share a lock unless
// they hash to the same shard.
type Limiter struct {
	cfg     atomic.Pointer[Config]
	writeMu sync.Mutex // orders config writers; readers never take it

	bounds  map[domain.KeyClass]Bounds
	shards  int
	windows *shardmap.Map[window]
}

// New returns a Limiter using cfg. A zero Config selects DefaultConfig.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	l := &Limiter{bounds: DefaultBounds()}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if len(cfg.Rules) == 0 {
		cfg = DefaultConfig()
	}
	cfg = fillWindows(cfg)
	if err := cfg.Validate(l.bounds); err != nil {
		return nil, err
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	c := cfg.clone()
	l.cfg.Store(&c)
	l.windows = shardmap.New[window](l.shards)
	return l, nil
}

func fillWindows(cfg Config) Config {
	out := cfg.clone()
	for class, r := range out.Rules {
		if r.Window <= 0 {
			r.Window = DefaultWindow
			out.Rules[class] = r
		}
	}
	return out
}

func windowKey(class domain.KeyClass, key string) string {
	return string(class) + "\x00" + key
}

// Evaluate counts one request for (class, key) at now and classifies it:
// Block above the limit, Warn above 80% of it, Allow otherwise.
func (l *Limiter) Evaluate(class domain.KeyClass, key string, now time.Time) (Result, error) {
	rule, ok := l.cfg.Load().Rule(class)
	if !ok {
		return Result{}, domain.ConfigValidationError{Field: "key_class", Value: class, Reason: "no rule configured"}
	}

	w := l.windows.Compute(windowKey(class, key), func(cur window, ok bool) (window, bool) {
		if !ok || now.Sub(cur.start) >= cur.length {
			cur = window{start: now, limit: rule.Limit, length: rule.Window}
		}
		if cur.count < math.MaxInt32 {
			cur.count++
		}
		return cur, true
	})

	return Result{
		Verdict:     verdictFor(w.count, w.limit),
		Count:       w.count,
		Limit:       w.limit,
		WindowStart: w.start,
		ResetAt:     w.start.Add(w.length),
	}, nil
}

func verdictFor(count, limit int) domain.Verdict {
	switch {
	case count > limit:
		return domain.VerdictBlock
	case count*5 > limit*4:
		return domain.VerdictWarn
	default:
		return domain.VerdictAllow
	}
}

// Config returns the current rule set.
func (l *Limiter) Config() Config {
	return l.cfg.Load().clone()
}

// Bounds returns the accepted limit ranges.
func (l *Limiter) Bounds() map[domain.KeyClass]Bounds {
	return maps.Clone(l.bounds)
}

// SetLimit changes the limit of one key class, keeping its window length.
// Invalid values are rejected and the prior config is retained.
func (l *Limiter) SetLimit(class domain.KeyClass, limit int) (Config, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	cur := l.cfg.Load()
	r, ok := cur.Rule(class)
	if !ok {
		r = Rule{Window: DefaultWindow}
	}
	r.Limit = limit
	return l.storeLocked(cur, class, r)
}

// SetRule replaces the rule of one key class.
func (l *Limiter) SetRule(class domain.KeyClass, r Rule) (Config, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if r.Window <= 0 {
		r.Window = DefaultWindow
	}
	return l.storeLocked(l.cfg.Load(), class, r)
}

func (l *Limiter) storeLocked(cur *Config, class domain.KeyClass, r Rule) (Config, error) {
	if err := validateRule(class, r, l.bounds); err != nil {
		return cur.clone(), err
	}
	next := cur.with(class, r)
	l.cfg.Store(&next)
	return next.clone(), nil
}

// Replace swaps in a complete rule set (used when restoring persisted rules).
func (l *Limiter) Replace(cfg Config) (Config, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	cfg = fillWindows(cfg)
	if err := cfg.Validate(l.bounds); err != nil {
		return l.cfg.Load().clone(), err
	}
	cfg.Version = l.cfg.Load().Version + 1
	next := cfg.clone()
	l.cfg.Store(&next)
	return next.clone(), nil
}

// Sweep drops windows that have fully elapsed at now and returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	return l.windows.DeleteIf(func(_ string, w window) bool {
		return now.Sub(w.start) >= w.length
	})
}

// Tracked returns the number of live windows.
func (l *Limiter) Tracked() int { return l.windows.Len() }
