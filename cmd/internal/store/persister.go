package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ratelimit"
)

// DefaultQueueSize bounds the write-behind queue.
const DefaultQueueSize = 4096

type opKind uint8

const (
	opSaveEntry opKind = iota + 1
	opDeleteEntry
	opClearEntries
	opSaveRule
	opAudit
)

func (k opKind) String() string {
	switch k {
	case opSaveEntry:
		return "save_entry"
	case opDeleteEntry:
		return "delete_entry"
	case opClearEntries:
		return "clear_entries"
	case opSaveRule:
		return "save_rule"
	case opAudit:
		return "audit"
	default:
		return "unknown"
	}
}

type op struct {
	kind  opKind
	entry blacklist.Entry
	key   string
	class domain.KeyClass
	rule  ratelimit.Rule
	audit AuditRecord
}

// PersistObserver receives write-behind outcomes for metrics.
type PersistObserver interface {
	ObservePersist(op string, err error)
	ObservePersistDropped(op string)
}

// Persister applies state changes to a Store off the request path. A single
// worker drains a FIFO queue, so writes for one key land in the order they
// happened. Enqueueing never blocks; a full queue drops the write.
type Persister struct {
	st       Store
	log      *slog.Logger
	observer PersistObserver
	timeout  time.Duration

	queue   chan op
	dropped atomic.Uint64
	done    chan struct{}
}

// NewPersister returns a persister writing to st. Run must be started.
func NewPersister(st Store, log *slog.Logger, queueSize int) *Persister {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Persister{
		st:      st,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan op, queueSize),
		done:    make(chan struct{}),
	}
}

// SetObserver installs o. Call before Run.
func (p *Persister) SetObserver(o PersistObserver) { p.observer = o }

// Dropped counts writes lost to a full queue.
func (p *Persister) Dropped() uint64 { return p.dropped.Load() }

// Pending is the current queue depth.
func (p *Persister) Pending() int { return len(p.queue) }

func (p *Persister) enqueue(o op) {
	select {
	case p.queue <- o:
	default:
		p.dropped.Add(1)
		if p.observer != nil {
			p.observer.ObservePersistDropped(o.kind.String())
		}
		p.log.Warn("store.persist.dropped", "op", o.kind.String())
	}
}

// OnBlacklistChange is a blacklist.Listener. It runs under the blacklist's
// shard lock and only enqueues.
func (p *Persister) OnBlacklistChange(c blacklist.Change) {
	switch c.Op {
	case blacklist.OpAdded:
		p.enqueue(op{kind: opSaveEntry, entry: c.Entry})
	case blacklist.OpRemoved, blacklist.OpExpired:
		p.enqueue(op{kind: opDeleteEntry, key: c.Entry.Key, class: c.Entry.KeyClass})
	case blacklist.OpCleared:
		p.enqueue(op{kind: opClearEntries})
	}
}

// SaveRule queues a rule update.
func (p *Persister) SaveRule(class domain.KeyClass, r ratelimit.Rule) {
	p.enqueue(op{kind: opSaveRule, class: class, rule: r})
}

// Audit queues an audit record.
func (p *Persister) Audit(rec AuditRecord) {
	p.enqueue(op{kind: opAudit, audit: rec})
}

// Run drains the queue until ctx is done, then flushes what is left with a
// bounded deadline.
func (p *Persister) Run(ctx context.Context) error {
	defer close(p.done)
	for {
		select {
		case o := <-p.queue:
			p.apply(ctx, o)
		case <-ctx.Done():
			p.flush()
			return nil
		}
	}
}

// Done is closed when Run has returned.
func (p *Persister) Done() <-chan struct{} { return p.done }

func (p *Persister) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case o := <-p.queue:
			p.apply(ctx, o)
		default:
			return
		}
	}
}

func (p *Persister) apply(parent context.Context, o op) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.timeout)
	defer cancel()

	var err error
	switch o.kind {
	case opSaveEntry:
		err = p.st.SaveEntry(ctx, o.entry)
	case opDeleteEntry:
		err = p.st.DeleteEntry(ctx, domain.Identity{Class: o.class, Key: o.key})
	case opClearEntries:
		err = p.st.ClearEntries(ctx)
	case opSaveRule:
		err = p.st.SaveRule(ctx, o.class, o.rule)
	case opAudit:
		err = p.st.AppendAudit(ctx, o.audit)
	}
	if p.observer != nil {
		p.observer.ObservePersist(o.kind.String(), err)
	}
	if err != nil {
		p.log.Error("store.persist.fail", "op", o.kind.String(), "err", err)
	}
}

// Restore loads persisted state into the live components. Rules that fail
// validation are skipped and logged; the limiter keeps its defaults for them.
func Restore(ctx context.Context, st Store, bl *blacklist.Manager, lim *ratelimit.Limiter, log *slog.Logger) (entries int, rules int, err error) {
	if log == nil {
		log = slog.Default()
	}
	saved, err := st.LoadEntries(ctx)
	if err != nil {
		return 0, 0, err
	}
	entries = bl.Restore(saved)

	rs, err := st.LoadRules(ctx)
	if err != nil {
		return entries, 0, err
	}
	for class, r := range rs {
		if _, err := lim.SetRule(class, r); err != nil {
			log.Warn("store.restore.rule_rejected", "key_class", class, "err", err)
			continue
		}
		rules++
	}
	return entries, rules, nil
}
