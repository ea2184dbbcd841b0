// Package guard composes the admission pipeline for one inbound request:
// blacklist check, classification, rate limiting, recording and escalation.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/ratelimit"
)

// DefaultEscalationThreshold is the number of consecutive rate-limit blocks
// for one identity that promotes it to the blacklist.
const DefaultEscalationThreshold = 3

// Config holds the orchestrator's policy knobs.
type Config struct {
	// EscalationThreshold <= 0 selects DefaultEscalationThreshold.
	EscalationThreshold int
	// BlockTTL for automatic entries; zero uses the blacklist default.
	BlockTTL time.Duration
	// AutoBlacklist disables escalation entirely when false.
	AutoBlacklist bool
}

// DefaultConfig enables escalation with the default threshold.
func DefaultConfig() Config {
	return Config{EscalationThreshold: DefaultEscalationThreshold, AutoBlacklist: true}
}

// Outcome is the full result of one evaluation.
type Outcome struct {
	Event domain.RequestEvent
	// Identity is the identity the decision is attributed to.
	Identity domain.Identity
	// Limit is the most severe limiter result; zero when the blacklist short-circuited.
	Limit ratelimit.Result
	// Score is set when the classifier fired.
	Score classifier.Score
	// Entry is the blacklist entry that blocked the request or was created by it.
	Entry *blacklist.Entry
	// Escalated is true when this request added or refreshed a blacklist entry.
	Escalated bool
}

// Allowed reports whether the request may proceed.
func (o Outcome) Allowed() bool { return o.Event.Decision == domain.DecisionAllowed }

// Observer is notified after every recorded decision.
type Observer interface {
	ObserveDecision(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

// ObserveDecision calls f.
func (f ObserverFunc) ObserveDecision(o Outcome) { f(o) }

// AuthRecorder receives the credential outcome of a request once the
// upstream has answered it.
type AuthRecorder interface {
	RecordAuth(req domain.Request)
}

// Deps are the components the orchestrator drives. Classifier and Auth may be nil.
type Deps struct {
	Blacklist  *blacklist.Manager
	Classifier *classifier.Adapter
	Limiter    *ratelimit.Limiter
	Events     *eventlog.Log
	Clock      clock.Clock
	Logger     *slog.Logger
	// TokenKey maps a raw bearer token to its key; nil disables the JWT class.
	TokenKey func(string) string
	// Auth is fed upstream 401/403 and 2xx answers by Middleware.
	Auth AuthRecorder
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	bl       *blacklist.Manager
	cls      *classifier.Adapter
	limiter  *ratelimit.Limiter
	events   *eventlog.Log
	clock    clock.Clock
	log      *slog.Logger
	tokenKey func(string) string
	auth     AuthRecorder

	streaks *streaks

	mu        sync.RWMutex
	cfg       Config
	observers []Observer
}

// New validates deps and returns an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Blacklist == nil:
		return nil, domain.ConfigValidationError{Field: "blacklist", Value: nil, Reason: "required"}
	case deps.Limiter == nil:
		return nil, domain.ConfigValidationError{Field: "limiter", Value: nil, Reason: "required"}
	case deps.Events == nil:
		return nil, domain.ConfigValidationError{Field: "events", Value: nil, Reason: "required"}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		bl:       deps.Blacklist,
		cls:      deps.Classifier,
		limiter:  deps.Limiter,
		events:   deps.Events,
		clock:    clock.OrSystem(deps.Clock),
		log:      log,
		tokenKey: deps.TokenKey,
		auth:     deps.Auth,
		streaks:  newStreaks(),
		cfg:      normalize(cfg),
	}, nil
}

func normalize(cfg Config) Config {
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = DefaultEscalationThreshold
	}
	if cfg.BlockTTL < 0 {
		cfg.BlockTTL = 0
	}
	return cfg
}

// Config returns the current policy.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig replaces the policy. Streaks already counted are kept.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = normalize(cfg)
	o.mu.Unlock()
}

// Observe registers an observer. Observers run on the request goroutine and must not block.
func (o *Orchestrator) Observe(obs Observer) {
	if obs == nil {
		return
	}
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

// Identities derives the (class, key) pairs of req in evaluation order.
// The token is replaced by its key; absent attributes are skipped.
func (o *Orchestrator) Identities(req domain.Request) []domain.Identity {
	out := make([]domain.Identity, 0, 3)
	if req.IP != "" {
		out = append(out, domain.Identity{Class: domain.KeyClassIP, Key: req.IP})
	}
	if req.User != "" {
		out = append(out, domain.Identity{Class: domain.KeyClassUser, Key: req.User})
	}
	if req.Token != "" && o.tokenKey != nil {
		if k := o.tokenKey(req.Token); k != "" {
			out = append(out, domain.Identity{Class: domain.KeyClassJWT, Key: k})
		}
	}
	return out
}

// Evaluate runs the admission pipeline for req. The returned error is non-nil
// only for requests that carry no identity at all.
func (o *Orchestrator) Evaluate(ctx context.Context, req domain.Request) (Outcome, error) {
	if req.Time.IsZero() {
		req.Time = o.clock.Now()
	}
	idents := o.Identities(req)
	if len(idents) == 0 {
		return Outcome{}, domain.ConfigValidationError{Field: "request", Value: req.Endpoint, Reason: "no ip, user or token"}
	}
	cfg := o.Config()

	out := Outcome{
		Identity: idents[0],
		Event: domain.RequestEvent{
			SourceKey: idents[0].Key,
			KeyClass:  idents[0].Class,
			Endpoint:  req.Endpoint,
			Method:    req.Method,
			UserAgent: req.UserAgent,
			Timestamp: req.Time,
			Decision:  domain.DecisionAllowed,
			Verdict:   domain.VerdictAllow,
		},
	}

	// Cheapest rejection first.
	for _, id := range idents {
		if e, ok := o.bl.Lookup(id.Class, id.Key); ok {
			out.Identity = id
			out.Entry = &e
			out.Event.SourceKey = id.Key
			out.Event.KeyClass = id.Class
			out.Event.Decision = domain.DecisionBlocked
			out.Event.Reason = e.Reason
			out.Event.Verdict = ""
			return o.finish(out), nil
		}
	}

	// Classification fails open inside the adapter.
	var cls classifier.Result
	if o.cls != nil {
		cls = o.cls.Classify(ctx, req)
	}

	// Every identity is charged. The most severe verdict wins, first identity on ties.
	worst := -1
	results := make([]ratelimit.Result, len(idents))
	for i, id := range idents {
		res, err := o.limiter.Evaluate(id.Class, id.Key, req.Time)
		if err != nil {
			o.log.Error("guard.ratelimit_error", "err", err, "key_class", id.Class)
			continue
		}
		results[i] = res
		if worst < 0 || res.Verdict.Severity() > results[worst].Verdict.Severity() {
			worst = i
		}
	}
	if worst >= 0 {
		out.Limit = results[worst]
		out.Event.Verdict = results[worst].Verdict
	}

	switch {
	case cls.Fired:
		out.Score = cls.Score
		out.Event.Decision = domain.DecisionBlocked
		out.Event.Reason = cls.Score.Category
		out.Event.Confidence = cls.Score.Confidence
	case worst >= 0 && results[worst].Verdict == domain.VerdictBlock:
		out.Identity = idents[worst]
		out.Event.SourceKey = idents[worst].Key
		out.Event.KeyClass = idents[worst].Class
		out.Event.Decision = domain.DecisionBlocked
		out.Event.Reason = domain.ReasonRateLimit
	}

	// Streaks are tracked per identity regardless of the final reason.
	for i, id := range idents {
		if results[i].Verdict == "" {
			continue
		}
		n := o.streaks.observe(id, results[i].Verdict == domain.VerdictBlock, req.Time)
		if !cfg.AutoBlacklist || n < cfg.EscalationThreshold || cls.Fired {
			continue
		}
		if e, ok := o.escalate(id, domain.ReasonRateLimit, cfg); ok {
			o.streaks.reset(id)
			if out.Entry == nil {
				out.Entry = &e
			}
			out.Escalated = true
		}
	}
	if cls.Fired && cfg.AutoBlacklist {
		if e, ok := o.escalate(out.Identity, cls.Score.Category, cfg); ok {
			out.Entry = &e
			out.Escalated = true
		}
	}

	return o.finish(out), nil
}

func (o *Orchestrator) escalate(id domain.Identity, reason domain.Reason, cfg Config) (blacklist.Entry, bool) {
	e, err := o.bl.Block(blacklist.BlockRequest{
		Key:      id.Key,
		KeyClass: id.Class,
		Reason:   reason,
		Source:   blacklist.SourceAutomatic,
		TTL:      cfg.BlockTTL,
	})
	if err != nil {
		o.log.Error("guard.escalate_failed", "err", err, "key_class", id.Class, "reason", reason)
		return blacklist.Entry{}, false
	}
	o.log.Warn("guard.escalated",
		"key_class", id.Class,
		"key", logKey(id),
		"reason", reason,
		"expires_at", e.ExpiresAt,
	)
	return e, true
}

// finish records the event and notifies observers.
func (o *Orchestrator) finish(out Outcome) Outcome {
	id, err := o.events.Append(out.Event)
	if err != nil {
		// Only reachable with a broken log; the decision itself still stands.
		o.log.Error("guard.record_failed", "err", err)
	}
	out.Event.ID = id

	o.mu.RLock()
	obs := o.observers
	o.mu.RUnlock()
	for _, ob := range obs {
		ob.ObserveDecision(out)
	}
	return out
}

// RecordAuth forwards the credential outcome of an already evaluated request.
func (o *Orchestrator) RecordAuth(req domain.Request, result domain.AuthResult) {
	if o.auth == nil || result == domain.AuthUnknown {
		return
	}
	req.Auth = result
	o.auth.RecordAuth(req)
}

// Sweep drops streak state for identities that have not been seen since before cutoff.
func (o *Orchestrator) Sweep(cutoff time.Time) int {
	return o.streaks.sweep(cutoff)
}

// logKey hides token keys; IPs and user names are logged as-is.
func logKey(id domain.Identity) string {
	if id.Class == domain.KeyClassJWT && len(id.Key) > 8 {
		return id.Key[:8] + "…"
	}
	return id.Key
}
