// Package classifier is the boundary to threat scoring.
//
// A Classifier produces a category and a confidence for one request. Adapter
// wraps any Classifier with an enforced timeout, per-category thresholds and
// fail-open semantics: a slow, failing or panicking scorer yields "no threat"
// and never blocks the request path.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync/atomic"
	"time"

	"shield/cmd/internal/domain"
)

// DefaultTimeout bounds one scoring call.
const DefaultTimeout = 50 * time.Millisecond

// ErrConfidenceRange is returned for a score outside [0, 1].
var ErrConfidenceRange = errors.New("classifier: confidence outside [0, 1]")

// PartialError reports scorers that failed while another one still produced
// the score it is returned with.
type PartialError struct {
	Err error
}

func (e PartialError) Error() string { return "classifier: partial failure: " + e.Err.Error() }

func (e PartialError) Unwrap() error { return e.Err }

// Score is a classifier's opinion about one request.
type Score struct {
	Category   domain.Reason `json:"category"`
	Confidence float64       `json:"confidence"`
}

// Classifier scores a request. Implementations should honour ctx.
type Classifier interface {
	Classify(ctx context.Context, req domain.Request) (Score, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, req domain.Request) (Score, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, req domain.Request) (Score, error) { return f(ctx, req) }

// Thresholds maps a threat category to the confidence above which it fires.
type Thresholds map[domain.Reason]float64

// DefaultThresholds are the per-category operating points of the detectors.
func DefaultThresholds() Thresholds {
	return Thresholds{
		domain.ReasonBruteForce:   0.95,
		domain.ReasonBotDetection: 0.87,
		domain.ReasonDDoS:         0.92,
		domain.ReasonAnomaly:      0.78,
	}
}

// Validate requires known categories and values in [0,1].
func (t Thresholds) Validate() error {
	for cat, v := range t {
		if !cat.IsThreat() {
			return domain.ConfigValidationError{Field: "thresholds", Value: cat, Reason: "not a threat category"}
		}
		if v < 0 || v > 1 {
			return domain.ConfigValidationError{Field: fmt.Sprintf("thresholds.%s", cat), Value: v, Reason: "must be within [0, 1]"}
		}
	}
	return nil
}

// Result is what the guard acts on.
type Result struct {
	Score Score
	// Fired is true when the confidence exceeds the category's threshold.
	Fired bool
	// Err is the recovered scorer failure, if any. Score is "no threat" when
	// set, unless Err is a PartialError.
	Err error
}

// Observer receives the latency and outcome of every scoring call.
type Observer interface {
	ObserveClassification(category domain.Reason, d time.Duration, err error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the enforced per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithThresholds overrides DefaultThresholds (missing categories keep their defaults).
func WithThresholds(t Thresholds) Option {
	return func(a *Adapter) { a.initial = t }
}

// WithLogger sets the logger used for fail-open reports.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// Adapter is safe for concurrent use.
type Adapter struct {
	inner    Classifier
	timeout  time.Duration
	log      *slog.Logger
	observer Observer

	initial    Thresholds
	thresholds atomic.Pointer[Thresholds]
}

// NewAdapter wraps inner. A nil inner classifies everything as no threat.
func NewAdapter(inner Classifier, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		inner:   inner,
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	th := DefaultThresholds()
	maps.Copy(th, a.initial)
	if err := th.Validate(); err != nil {
		return nil, err
	}
	a.thresholds.Store(&th)
	return a, nil
}

// Thresholds returns the current thresholds.
func (a *Adapter) Thresholds() Thresholds {
	return maps.Clone(*a.thresholds.Load())
}

// SetThresholds merges t over the current thresholds. Invalid input is rejected as a whole.
func (a *Adapter) SetThresholds(t Thresholds) (Thresholds, error) {
	if err := t.Validate(); err != nil {
		return a.Thresholds(), err
	}
	next := a.Thresholds()
	maps.Copy(next, t)
	a.thresholds.Store(&next)
	return maps.Clone(next), nil
}

// Timeout returns the enforced deadline.
func (a *Adapter) Timeout() time.Duration { return a.timeout }

type outcome struct {
	score Score
	err   error
}

// Classify scores req within the adapter's deadline. It never returns an error:
// failures are reported in Result.Err with a "no threat" score.
func (a *Adapter) Classify(ctx context.Context, req domain.Request) Result {
	if a == nil || a.inner == nil {
		return Result{}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// The scorer runs on its own goroutine so a scorer that ignores ctx still
	// cannot hold the request past the deadline.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("classifier panic: %v", p)}
			}
		}()
		s, err := a.inner.Classify(ctx, req)
		done <- outcome{score: s, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	var partial PartialError
	if out.err != nil && !errors.As(out.err, &partial) && errors.Is(out.err, context.DeadlineExceeded) {
		out.err = domain.ClassifierTimeoutError{Timeout: a.timeout}
	}

	res := a.interpret(out)
	if a.observer != nil {
		a.observer.ObserveClassification(res.Score.Category, time.Since(start), res.Err)
	}
	switch {
	case res.Err == nil:
	case errors.As(res.Err, &partial):
		a.log.Warn("classifier.degraded", "err", res.Err, "endpoint", req.Endpoint, "category", res.Score.Category)
	default:
		a.log.Warn("classifier.fail_open", "err", res.Err, "endpoint", req.Endpoint)
	}
	return res
}

func (a *Adapter) interpret(out outcome) Result {
	var partial PartialError
	if out.err != nil && !errors.As(out.err, &partial) {
		return Result{Err: out.err}
	}
	s := out.score
	if c := s.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return Result{Err: fmt.Errorf("%w: %s=%v", ErrConfidenceRange, s.Category, c)}
	}
	if !s.Category.IsThreat() {
		return Result{Err: out.err}
	}
	th, ok := (*a.thresholds.Load())[s.Category]
	return Result{Score: s, Fired: ok && s.Confidence > th, Err: out.err}
}

// Max runs every classifier in order and keeps the most confident threat.
// When some classifiers fail and at least one scored, the score is returned
// with a PartialError; when none scored, the joined errors are returned.
func Max(classifiers ...Classifier) Classifier {
	return Func(func(ctx context.Context, req domain.Request) (Score, error) {
		var (
			best   Score
			errs   []error
			scored bool
		)
		for _, c := range classifiers {
			if c == nil {
				continue
			}
			s, err := c.Classify(ctx, req)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			scored = true
			if s.Category.IsThreat() && s.Confidence > best.Confidence {
				best = s
			}
		}
		switch {
		case len(errs) == 0:
			return best, nil
		case !scored:
			return Score{}, errors.Join(errs...)
		default:
			return best, PartialError{Err: errors.Join(errs...)}
		}
	})
}

// Bounded gives c its own deadline inside the caller's, so a slow scorer
// under Max fails before the Adapter's deadline discards the other scores.
func Bounded(c Classifier, d time.Duration) Classifier {
	if d <= 0 {
		return c
	}
	return Func(func(ctx context.Context, req domain.Request) (Score, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		s, err := c.Classify(ctx, req)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return Score{}, domain.ClassifierTimeoutError{Timeout: d}
		}
		return s, err
	})
}
