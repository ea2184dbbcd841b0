package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ratelimit"
)

// MemoryStore keeps everything in process. It is the default backend and the
// test double for the Persister.
type MemoryStore struct {
	mu      sync.Mutex
	closed  bool
	entries map[string]blacklist.Entry
	rules   map[domain.KeyClass]ratelimit.Rule
	audit   []AuditRecord
	maxAud  int
}

// NewMemoryStore returns an empty store keeping at most maxAudit audit records.
func NewMemoryStore(maxAudit int) *MemoryStore {
	if maxAudit <= 0 {
		maxAudit = 10_000
	}
	return &MemoryStore{
		entries: make(map[string]blacklist.Entry),
		rules:   make(map[domain.KeyClass]ratelimit.Rule),
		maxAud:  maxAudit,
	}
}

func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) LoadEntries(ctx context.Context) ([]blacklist.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.entries))
	slices.SortFunc(out, func(a, b blacklist.Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveEntry(ctx context.Context, e blacklist.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.entries[e.Identity().String()] = e
	return nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id domain.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.entries, id.String())
	return nil
}

func (s *MemoryStore) ClearEntries(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

func (s *MemoryStore) LoadRules(ctx context.Context) (map[domain.KeyClass]ratelimit.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return maps.Clone(s.rules), nil
}

func (s *MemoryStore) SaveRule(ctx context.Context, class domain.KeyClass, r ratelimit.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.rules[class] = r
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	if over := len(s.audit) - s.maxAud; over > 0 {
		s.audit = slices.Delete(s.audit, 0, over)
	}
	return nil
}

// ListAudit returns the newest records first.
func (s *MemoryStore) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	limit = auditLimit(limit)
	out := make([]AuditRecord, 0, min(limit, len(s.audit)))
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
