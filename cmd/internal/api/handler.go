// Package api is the HTTP query and command surface consumed by the
// operator dashboard and by external gateways.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/clock"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
	"shield/cmd/internal/realtime"
	"shield/cmd/internal/store"
	"shield/cmd/security/operator"
)

// Config controls API behavior.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64
	// AuthFailureRate and AuthFailureBurst bound rejected operator keys per second.
	AuthFailureRate  float64
	AuthFailureBurst int
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:     64 << 10,
		AuthFailureRate:  1,
		AuthFailureBurst: 10,
	}
}

// Deps are the components the API reads and commands.
// Classifier, Store, Persister, Hub and Auth may be nil.
type Deps struct {
	Log        *slog.Logger
	Clock      clock.Clock
	Events     *eventlog.Log
	Blacklist  *blacklist.Manager
	Limiter    *ratelimit.Limiter
	Classifier *classifier.Adapter
	Guard      *guard.Orchestrator
	Store      store.Store
	Persister  *store.Persister
	Hub        *realtime.Hub
	// Auth nil leaves command endpoints open.
	Auth *operator.Authenticator
}

// Handler serves /v1.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	clock clock.Clock

	events    *eventlog.Log
	bl        *blacklist.Manager
	limiter   *ratelimit.Limiter
	cls       *classifier.Adapter
	guard     *guard.Orchestrator
	store     store.Store
	persister *store.Persister
	hub       *realtime.Hub
	auth      *operator.Authenticator

	authFailures *rate.Limiter
}

// NewHandler validates deps.
func NewHandler(deps Deps, cfg Config) (*Handler, error) {
	switch {
	case deps.Events == nil:
		return nil, errors.New("api: nil event log")
	case deps.Blacklist == nil:
		return nil, errors.New("api: nil blacklist")
	case deps.Limiter == nil:
		return nil, errors.New("api: nil limiter")
	case deps.Guard == nil:
		return nil, errors.New("api: nil guard")
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.AuthFailureRate <= 0 {
		cfg.AuthFailureRate = def.AuthFailureRate
	}
	if cfg.AuthFailureBurst <= 0 {
		cfg.AuthFailureBurst = def.AuthFailureBurst
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:          log,
		cfg:          cfg,
		clock:        clock.OrSystem(deps.Clock),
		events:       deps.Events,
		bl:           deps.Blacklist,
		limiter:      deps.Limiter,
		cls:          deps.Classifier,
		guard:        deps.Guard,
		store:        deps.Store,
		persister:    deps.Persister,
		hub:          deps.Hub,
		auth:         deps.Auth,
		authFailures: rate.NewLimiter(rate.Limit(cfg.AuthFailureRate), cfg.AuthFailureBurst),
	}, nil
}

// Routes returns the /v1 router. Reads are open; commands, evaluate and the
// audit trail require an operator key when Auth is configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/events", h.handleListEvents)
	r.Get("/blacklist", h.handleListBlacklist)
	r.Get("/ratelimits", h.handleGetRateLimits)
	r.Get("/classifier/thresholds", h.handleGetThresholds)
	r.Get("/stats", h.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(h.requireOperator)

		r.Post("/blacklist", h.handleBlock)
		r.Delete("/blacklist", h.handleClearBlacklist)
		r.Delete("/blacklist/{id}", h.handleUnblock)
		r.Put("/ratelimits/{class}", h.handleSetRateLimit)
		r.Put("/classifier/thresholds", h.handleSetThresholds)
		r.Post("/guard/evaluate", h.handleEvaluate)
		r.Get("/audit", h.handleListAudit)
	})

	return r
}

func (h *Handler) now() time.Time { return h.clock.Now() }
