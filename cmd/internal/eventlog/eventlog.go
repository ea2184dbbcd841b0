// Package eventlog is the bounded, in-memory record of admission decisions.
//
// The log is a fixed ring: appends overwrite the oldest slot once full, and
// readers work on a copy taken under the lock, so an event already handed to a
// reader is never affected by later eviction.
package eventlog

import (
	"iter"
	"strings"
	"sync"
	"time"

	"shield/cmd/internal/domain"
)

const (
	// DefaultCapacity is the backing retention of the log.
	DefaultCapacity = 10_000

	// DefaultPageSize matches the dashboard's live table.
	DefaultPageSize = 10
	// MaxPageSize bounds a single page request.
	MaxPageSize = 500
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	// Search is a case-insensitive substring matched against SourceKey or Endpoint.
	Search   string
	Decision domain.Decision
	Reason   domain.Reason
	KeyClass domain.KeyClass
	Since    time.Time
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev domain.RequestEvent) bool {
	if f.Decision != "" && ev.Decision != f.Decision {
		return false
	}
	if f.Reason != domain.ReasonNone && ev.Reason != f.Reason {
		return false
	}
	if f.KeyClass != "" && ev.KeyClass != f.KeyClass {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(ev.SourceKey), q) &&
			!strings.Contains(strings.ToLower(ev.Endpoint), q) {
			return false
		}
	}
	return true
}

// Page is an offset window over a newest-first result.
type Page struct {
	Offset int
	Limit  int
}

func (p Page) normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Option configures a Log.
type Option func(*Log)

// WithEvictionHook registers fn to be called (outside the lock) for each evicted event.
func WithEvictionHook(fn func(domain.RequestEvent)) Option {
	return func(l *Log) { l.onEvict = fn }
}

// Log is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	buf     []domain.RequestEvent
	head    int // next write position
	size    int
	lastID  uint64
	evicted uint64

	onEvict func(domain.RequestEvent)
}

// New returns a Log holding at most capacity events.
func New(capacity int, opts ...Option) (*Log, error) {
	if capacity <= 0 {
		return nil, domain.ConfigValidationError{Field: "eventlog.capacity", Value: capacity, Reason: "must be positive"}
	}
	l := &Log{buf: make([]domain.RequestEvent, capacity)}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Append stores ev under a new monotonic id and returns that id.
// When the log is full the oldest event is evicted.
func (l *Log) Append(ev domain.RequestEvent) (uint64, error) {
	if l == nil || len(l.buf) == 0 {
		return 0, domain.CapacityError{Capacity: 0}
	}

	l.mu.Lock()
	l.lastID++
	ev.ID = l.lastID
	var (
		old     domain.RequestEvent
		evicted bool
	)
	if l.size == len(l.buf) {
		old = l.buf[l.head]
		evicted = true
		l.evicted++
	} else {
		l.size++
	}
	l.buf[l.head] = ev
	l.head = (l.head + 1) % len(l.buf)
	id := ev.ID
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict(old)
	}
	return id, nil
}

// snapshot copies the retained events, newest first.
func (l *Log) snapshot() []domain.RequestEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.RequestEvent, l.size)
	n := len(l.buf)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head-1-i+n)%n]
	}
	return out
}

// Query returns the events matching f, newest first. The snapshot is taken
// when Query is called; the sequence filters it lazily and may be ranged
// over any number of times with the same result.
func (l *Log) Query(f Filter) iter.Seq[domain.RequestEvent] {
	snap := l.snapshot()
	return func(yield func(domain.RequestEvent) bool) {
		for _, ev := range snap {
			if !f.Match(ev) {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Page returns one page of matching events and the total number of matches.
func (l *Log) Page(f Filter, p Page) ([]domain.RequestEvent, int) {
	p = p.normalize()
	out := make([]domain.RequestEvent, 0, p.Limit)
	total := 0
	for ev := range l.Query(f) {
		if total >= p.Offset && len(out) < p.Limit {
			out = append(out, ev)
		}
		total++
	}
	return out, total
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Cap returns the configured capacity.
func (l *Log) Cap() int { return len(l.buf) }

// Evicted returns how many events have been dropped to make room.
func (l *Log) Evicted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}

// Stats summarizes the retained events.
type Stats struct {
	Total     int                   `json:"total"`
	Allowed   int                   `json:"allowed"`
	Blocked   int                   `json:"blocked"`
	Warned    int                   `json:"warned"`
	ByReason  map[domain.Reason]int `json:"by_reason"`
	Retention int                   `json:"retention"`
	Evicted   uint64                `json:"evicted"`
}

// Stats counts retained events matching f.
func (l *Log) Stats(f Filter) Stats {
	st := Stats{ByReason: make(map[domain.Reason]int), Retention: l.Cap(), Evicted: l.Evicted()}
	for ev := range l.Query(f) {
		st.Total++
		if ev.Blocked() {
			st.Blocked++
			st.ByReason[ev.Reason]++
		} else {
			st.Allowed++
		}
		if ev.Verdict == domain.VerdictWarn {
			st.Warned++
		}
	}
	return st
}
