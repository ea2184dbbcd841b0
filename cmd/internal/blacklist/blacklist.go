// Package blacklist keeps the set of temporarily denied identities.
//
// Entries are scoped by key class: user "10.0.0.1" and IP 10.0.0.1 are
// different identities. Entries expire lazily on lookup and eagerly on
// SweepExpired. At most one live entry exists per identity; blocking an
// already blocked identity refreshes it.
package blacklist

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ids"
	"shield/cmd/internal/shardmap"
)

// DefaultTTL is the block duration when none is given.
const DefaultTTL = 60 * time.Minute

// Source distinguishes operator entries from guard escalations.
type Source string

const (
	SourceAutomatic Source = "automatic"
	SourceManual    Source = "manual"
)

// Entry is one blacklisted key.
type Entry struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	KeyClass  domain.KeyClass `json:"key_class"`
	Reason    domain.Reason   `json:"reason"`
	Note      string          `json:"note,omitempty"`
	Source    Source          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Identity is the (class, key) pair e blocks.
func (e Entry) Identity() domain.Identity { return domain.Identity{Class: e.KeyClass, Key: e.Key} }

// Expired reports whether e is no longer in force at now.
func (e Entry) Expired(now time.Time) bool { return clock.Expired(e.ExpiresAt, now) }

// Remaining is the time left before e expires, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	return max(e.ExpiresAt.Sub(now), 0)
}

// Op names a change to the blacklist.
type Op string

const (
	OpAdded   Op = "added"
	OpRemoved Op = "removed"
	OpExpired Op = "expired"
	OpCleared Op = "cleared"
)

// Change is delivered to listeners. Entry is zero for OpCleared.
type Change struct {
	Op    Op
	Entry Entry
}

// Listener observes changes. Listeners run synchronously, some of them while
// a shard lock is held, and must not block or call back into the Manager.
type Listener func(Change)

// BlockRequest describes a new or refreshed entry.
type BlockRequest struct {
	Key string
	// KeyClass scopes Key; empty means domain.KeyClassIP.
	KeyClass domain.KeyClass
	Reason   domain.Reason
	Note     string
	Source   Source
	// TTL <= 0 selects the manager's default.
	TTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrSystem(c) }
}

// WithDefaultTTL sets the TTL used when a request leaves it zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// WithListener registers l for every change.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	clock      clock.Clock
	defaultTTL time.Duration
	entries    *shardmap.Map[Entry]

	lmu       sync.RWMutex
	listeners []Listener
}

// New returns an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:      clock.System{},
		defaultTTL: DefaultTTL,
		entries:    shardmap.New[Entry](shardmap.DefaultShards),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Subscribe adds a listener after construction.
func (m *Manager) Subscribe(l Listener) {
	if l == nil {
		return
	}
	m.lmu.Lock()
	m.listeners = append(m.listeners, l)
	m.lmu.Unlock()
}

func (m *Manager) emit(c Change) {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	for _, l := range m.listeners {
		l(c)
	}
}

// DefaultTTL returns the configured default block duration.
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// normalizeClass maps the empty class to IP and rejects unknown classes.
func normalizeClass(c domain.KeyClass) (domain.KeyClass, error) {
	switch c {
	case "":
		return domain.KeyClassIP, nil
	case domain.KeyClassIP, domain.KeyClassUser, domain.KeyClassJWT:
		return c, nil
	}
	return "", domain.ConfigValidationError{Field: "key_class", Value: c, Reason: "unknown key class"}
}

func mapKey(class domain.KeyClass, key string) string {
	return domain.Identity{Class: class, Key: key}.String()
}

// CheckBlocked reports whether the identity is currently blocked, dropping an expired entry.
func (m *Manager) CheckBlocked(class domain.KeyClass, key string) bool {
	_, ok := m.Lookup(class, key)
	return ok
}

// Lookup returns the live entry for the identity. An empty class means IP.
func (m *Manager) Lookup(class domain.KeyClass, key string) (Entry, bool) {
	class, err := normalizeClass(class)
	if err != nil {
		return Entry{}, false
	}
	key = mapKey(class, key)
	now := m.clock.Now()
	e, ok := m.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	if !e.Expired(now) {
		return e, true
	}
	m.expire(key, now)
	return Entry{}, false
}

// expire removes key only if it is still expired under the shard lock, so a
// concurrent refresh is never lost.
func (m *Manager) expire(key string, now time.Time) bool {
	removed := false
	m.entries.Compute(key, func(cur Entry, ok bool) (Entry, bool) {
		if !ok {
			return cur, false
		}
		if !cur.Expired(now) {
			return cur, true
		}
		removed = true
		m.emit(Change{Op: OpExpired, Entry: cur})
		return cur, false
	})
	return removed
}

// Block creates an entry for the request's identity or refreshes the existing
// one. A refresh keeps the entry's ID and CreatedAt and replaces its reason,
// source and expiry.
func (m *Manager) Block(req BlockRequest) (Entry, error) {
	if req.Key == "" {
		return Entry{}, domain.ConfigValidationError{Field: "key", Value: req.Key, Reason: "must not be empty"}
	}
	class, err := normalizeClass(req.KeyClass)
	if err != nil {
		return Entry{}, err
	}
	req.KeyClass = class
	if req.Source == "" {
		req.Source = SourceManual
	}
	if req.Reason == domain.ReasonNone && req.Source == SourceManual {
		req.Reason = domain.ReasonManual
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.clock.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Entry{}, err
	}

	out := m.entries.Compute(mapKey(class, req.Key), func(cur Entry, ok bool) (Entry, bool) {
		next := Entry{
			ID:        id,
			Key:       req.Key,
			KeyClass:  req.KeyClass,
			Reason:    req.Reason,
			Note:      req.Note,
			Source:    req.Source,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		if ok && !cur.Expired(now) {
			next.ID = cur.ID
			next.CreatedAt = cur.CreatedAt
		}
		m.emit(Change{Op: OpAdded, Entry: next})
		return next, true
	})
	return out, nil
}

// Unblock removes the identity's entry. It reports whether a live entry was removed.
func (m *Manager) Unblock(class domain.KeyClass, key string) (Entry, bool) {
	class, err := normalizeClass(class)
	if err != nil {
		return Entry{}, false
	}
	return m.unblock(mapKey(class, key))
}

func (m *Manager) unblock(key string) (Entry, bool) {
	now := m.clock.Now()
	var (
		removed Entry
		live    bool
	)
	m.entries.Compute(key, func(cur Entry, ok bool) (Entry, bool) {
		if !ok {
			return cur, false
		}
		removed = cur
		live = !cur.Expired(now)
		if live {
			m.emit(Change{Op: OpRemoved, Entry: cur})
		} else {
			m.emit(Change{Op: OpExpired, Entry: cur})
		}
		return cur, false
	})
	return removed, live
}

// UnblockID removes the entry with the given ID.
func (m *Manager) UnblockID(id string) (Entry, error) {
	var key string
	m.entries.Range(func(k string, e Entry) bool {
		if e.ID == id {
			key = k
			return false
		}
		return true
	})
	if key == "" {
		return Entry{}, domain.NotFoundError{Kind: "blacklist entry", ID: id}
	}
	e, live := m.unblock(key)
	if !live || e.ID != id {
		return Entry{}, domain.NotFoundError{Kind: "blacklist entry", ID: id}
	}
	return e, nil
}

// SweepExpired removes every entry expired at the current time and returns the count.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()
	var expired []string
	m.entries.Range(func(k string, e Entry) bool {
		if e.Expired(now) {
			expired = append(expired, k)
		}
		return true
	})
	n := 0
	for _, k := range expired {
		// Re-checked under the shard lock; a refreshed entry survives.
		if m.expire(k, now) {
			n++
		}
	}
	return n
}

// List returns live entries ordered by expiry, soonest first.
func (m *Manager) List() []Entry {
	now := m.clock.Now()
	out := make([]Entry, 0, m.entries.Len())
	m.entries.Range(func(_ string, e Entry) bool {
		if !e.Expired(now) {
			out = append(out, e)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Len counts stored entries, including any not yet swept.
func (m *Manager) Len() int { return m.entries.Len() }

// Clear removes every entry and returns how many of them were live.
func (m *Manager) Clear() int {
	now := m.clock.Now()
	live := 0
	m.entries.DeleteIf(func(_ string, e Entry) bool {
		if !e.Expired(now) {
			live++
		}
		return true
	})
	m.emit(Change{Op: OpCleared})
	return live
}

// Restore loads persisted entries without notifying listeners. Expired,
// keyless and unknown-class entries are skipped; an entry without a class is
// an IP entry. A restored entry never replaces a live one.
func (m *Manager) Restore(entries []Entry) int {
	now := m.clock.Now()
	n := 0
	for _, e := range entries {
		if e.Key == "" || e.Expired(now) {
			continue
		}
		class, err := normalizeClass(e.KeyClass)
		if err != nil {
			continue
		}
		e.KeyClass = class
		if e.ID == "" {
			e.ID = ids.MustULID(e.CreatedAt)
		}
		restored := false
		m.entries.Compute(mapKey(class, e.Key), func(cur Entry, ok bool) (Entry, bool) {
			if ok && !cur.Expired(now) {
				return cur, true
			}
			restored = true
			return e, true
		})
		if restored {
			n++
		}
	}
	return n
}
