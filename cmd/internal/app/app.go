// Package app wires the Shield runtime: config, logging, admission components,
// persistence, HTTP routes and the dashboard stream.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"shield/cmd/internal/api"
	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/metrics"
	"shield/cmd/internal/policy"
	"shield/cmd/internal/ratelimit"
	"shield/cmd/internal/realtime"
	"shield/cmd/internal/store"
	v1 "shield/shared/contracts/stream/v1"
)

// streakIdle is how long an identity's consecutive-block streak survives without traffic.
const streakIdle = 10 * time.Minute

// App is the Shield runtime: it owns the admission components, the store and
// the HTTP servers.
type App struct {
	cfg Config
	log Logger

	clock     clock.Clock
	events    *eventlog.Log
	blacklist *blacklist.Manager
	limiter   *ratelimit.Limiter
	heuristic *classifier.Heuristic
	adapter   *classifier.Adapter
	guard     *guard.Orchestrator
	metrics   *metrics.Metrics

	backend   *backend
	persister *store.Persister

	hub     *realtime.Hub
	stream  *realtime.Gateway
	api     *api.Handler
	gateway http.Handler

	closers []io.Closer
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil, false)
	}

	pol, err := loadPolicy(cfg, log)
	if err != nil {
		return nil, err
	}
	ttl := cfg.BlacklistTTL
	if pol.Blacklist.DefaultTTL > 0 {
		ttl = pol.Blacklist.DefaultTTL
	}
	classifierTimeout := cfg.ClassifierTimeout
	if pol.Classifier.Timeout > 0 {
		classifierTimeout = pol.Classifier.Timeout
	}

	a := &App{cfg: cfg, log: log, clock: clock.System{}, metrics: metrics.New()}

	a.events, err = eventlog.New(cfg.EventLogCapacity, eventlog.WithEvictionHook(a.metrics.OnEvict))
	if err != nil {
		return nil, err
	}

	a.blacklist = blacklist.New(
		blacklist.WithClock(a.clock),
		blacklist.WithDefaultTTL(ttl),
		blacklist.WithListener(a.metrics.OnBlacklistChange),
	)
	a.metrics.TrackBlacklistSize(a.blacklist)

	a.limiter, err = ratelimit.New(ratelimit.DefaultConfig())
	if err != nil {
		return nil, err
	}

	a.heuristic = classifier.NewHeuristic(classifier.DefaultHeuristicConfig())
	var scorer classifier.Classifier = a.heuristic
	if cfg.ClassifierURL != "" {
		// The remote gets most of the budget so its timeout is reported
		// while the heuristic score still stands.
		remote := classifier.Bounded(classifier.NewRemote(cfg.ClassifierURL, nil), classifierTimeout*4/5)
		scorer = classifier.Max(a.heuristic, remote)
		log.Info("classifier.remote.enabled", "url", cfg.ClassifierURL)
	}
	a.adapter, err = classifier.NewAdapter(scorer,
		classifier.WithTimeout(classifierTimeout),
		classifier.WithLogger(log),
		classifier.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	keyer, err := newTokenKeyer(cfg)
	if err != nil {
		return nil, err
	}

	a.guard, err = guard.New(guard.Deps{
		Blacklist:  a.blacklist,
		Classifier: a.adapter,
		Limiter:    a.limiter,
		Events:     a.events,
		Clock:      a.clock,
		Logger:     log,
		TokenKey:   keyer.Key,
		Auth:       a.heuristic,
	}, guard.DefaultConfig())
	if err != nil {
		return nil, err
	}

	if err := pol.Apply(policy.Targets{Limiter: a.limiter, Classifier: a.adapter, Guard: a.guard}); err != nil {
		return nil, err
	}

	a.backend, err = newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.backend)

	// Persisted operator state wins over the policy file.
	if cfg.persistent() {
		entries, rules, err := store.Restore(ctx, a.backend.store, a.blacklist, a.limiter, log)
		if err != nil {
			_ = a.backend.Close()
			return nil, err
		}
		log.Info("store.restore.done", "entries", entries, "rules", rules, "backend", cfg.Store)
	}

	a.persister = store.NewPersister(a.backend.store, log, store.DefaultQueueSize)
	a.persister.SetObserver(a.metrics)
	if cfg.persistent() {
		a.blacklist.Subscribe(a.persister.OnBlacklistChange)
	}

	a.hub = realtime.NewHub(log)
	a.hub.SetObserver(a.metrics)
	a.blacklist.Subscribe(a.hub.OnBlacklistChange)
	a.guard.Observe(a.metrics)
	a.guard.Observe(a.hub)

	streamCfg := realtime.DefaultGatewayConfig()
	streamCfg.DevInsecure = cfg.StreamDevInsecure
	if len(cfg.StreamAllowedOrigins) > 0 {
		streamCfg.AllowedOrigins = cfg.StreamAllowedOrigins
	}
	a.stream = realtime.NewGateway(log, a.hub, a.snapshot, streamCfg)

	auth, err := newOperatorAuth(log)
	if err != nil {
		_ = a.backend.Close()
		return nil, err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.TrustProxy = cfg.TrustProxy
	a.api, err = api.NewHandler(api.Deps{
		Log:        log,
		Clock:      a.clock,
		Events:     a.events,
		Blacklist:  a.blacklist,
		Limiter:    a.limiter,
		Classifier: a.adapter,
		Guard:      a.guard,
		Store:      a.backend.store,
		Persister:  a.persister,
		Hub:        a.hub,
		Auth:       auth,
	}, apiCfg)
	if err != nil {
		_ = a.backend.Close()
		return nil, err
	}

	if cfg.UpstreamURL != "" {
		a.gateway, err = newGatewayHandler(cfg, log, a.guard)
		if err != nil {
			_ = a.backend.Close()
			return nil, err
		}
	}

	return a, nil
}

func loadPolicy(cfg Config, log Logger) (policy.Policy, error) {
	if cfg.PolicyFile == "" {
		return policy.Policy{}, nil
	}
	p, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return policy.Policy{}, err
	}
	log.Info("policy.loaded", "path", cfg.PolicyFile)
	return p, nil
}

// snapshot feeds the stream's initial state.
func (a *App) snapshot(replay int) v1.SnapshotPayload {
	var events []domain.RequestEvent
	if replay > 0 {
		events, _ = a.events.Page(eventlog.Filter{}, eventlog.Page{Limit: replay})
	}
	return realtime.Snapshot(events, a.blacklist.List(), a.limiter.Config())
}

// Handler returns the admin/API handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backend, a.metrics, a.stream, a.api)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the servers, the sweeper and the persister, and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	servers := []*http.Server{a.newServer(a.cfg.HTTPAddr, a.Handler())}
	if a.gateway != nil {
		servers = append(servers, a.newServer(a.cfg.GatewayAddr, a.gateway))
	}

	g, gctx := errgroup.WithContext(ctx)

	ep := advertise(a.cfg.HTTPAddr)
	a.log.Info("server.endpoints", "api", ep.API, "stream", ep.Stream, "metrics", ep.Metrics)

	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("server.start", "addr", srv.Addr, "store", a.cfg.Store, "persistent", a.cfg.persistent())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("server.fail", "addr", srv.Addr, "err", err)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("server.shutdown.fail", "addr", srv.Addr, "err", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	g.Go(func() error {
		return a.persister.Run(gctx)
	})

	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
}

func (a *App) sweepLoop(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.cfg.SweepInterval, 30*time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sweep(ctx)
		}
	}
}

// sweep drops expired per-key state. Each step is safe to run concurrently
// with the request path.
func (a *App) sweep(ctx context.Context) {
	now := a.clock.Now()
	expired := a.blacklist.SweepExpired()
	windows := a.limiter.Sweep(now)
	fingerprints := a.heuristic.Sweep(now, streakIdle)
	streaks := a.guard.Sweep(now.Add(-streakIdle))

	var purged int64
	if a.backend.pg != nil && a.cfg.persistent() {
		n, err := a.backend.pg.PurgeExpired(ctx, now)
		if err != nil {
			a.log.Warn("store.purge.fail", "err", err)
		}
		purged = n
	}

	if expired+windows+fingerprints+streaks > 0 || purged > 0 {
		a.log.Debug("sweep.done",
			"blacklist_expired", expired,
			"rate_windows", windows,
			"fingerprints", fingerprints,
			"streaks", streaks,
			"store_purged", purged,
		)
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
