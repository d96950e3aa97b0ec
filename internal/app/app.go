// Package app wires all dmdesk subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the queue workers, the lease reaper and the HTTP
// server, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRepository,
// WithRelationshipLookup, WithListener, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dmdesk/internal/campaign"
	"github.com/MrWong99/dmdesk/internal/config"
	"github.com/MrWong99/dmdesk/internal/genqueue"
	"github.com/MrWong99/dmdesk/internal/health"
	"github.com/MrWong99/dmdesk/internal/observe"
	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/resilience"
	"github.com/MrWong99/dmdesk/internal/server"
	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/internal/staging/postgres"
	"github.com/MrWong99/dmdesk/internal/staging/suggest"
	"github.com/MrWong99/dmdesk/internal/world"
	"github.com/MrWong99/dmdesk/pkg/provider/llm"
)

// ErrNoAssetBackend fails asset generation jobs; dmdesk ships no image
// generator.
var ErrNoAssetBackend = errors.New("app: no asset generation backend configured")

// NamedLLM is an LLM provider together with the name it was configured as.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the LLM backends built by main.go via the config registry.
// A nil LLM disables LLM suggestions.
type Providers struct {
	LLM       llm.Provider
	LLMName   string
	Fallbacks []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel       *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	world      *world.Store
	queues     *queue.Set
	lookup     staging.RelationshipLookup
	regions    staging.RegionDirectory
	repo       staging.StagingRepository
	campaign   *campaign.MemStore
	pg         *postgres.Store
	llm        *resilience.LLMFallback
	service    *staging.Service
	generation *genqueue.Projector
	hub        *server.Hub
	health     *health.Handler
	httpServer *http.Server
	listener   net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRepository injects a staging repository instead of creating one from
// config.
func WithRepository(r staging.StagingRepository) Option {
	return func(a *App) { a.repo = r }
}

// WithRelationshipLookup injects the relationship lookup and region
// directory instead of loading campaign files or connecting to PostgreSQL.
func WithRelationshipLookup(l staging.RelationshipLookup, d staging.RegionDirectory) Option {
	return func(a *App) {
		a.lookup = l
		a.regions = d
	}
}

// WithWorldStore injects the world state store.
func WithWorldStore(s *world.Store) Option {
	return func(a *App) { a.world = s }
}

// WithListener makes Run serve HTTP on l instead of listening on
// cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel registers the level variable adjusted by config reloads.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics injects the metrics instruments and the /metrics handler.
func WithMetrics(m *observe.Metrics, h http.Handler) Option {
	return func(a *App) {
		a.metrics = m
		a.metricsHandler = h
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// main.go (populated via the config registry) and may be nil.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. Stores ───────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Queues + world state ─────────────────────────────────────────
	a.queues = queue.NewSet(queue.WithLeaseTimeout(cfg.Queues.LeaseTimeout))
	if a.world == nil {
		a.world = world.NewStore()
	}
	if reg, err := a.metrics.ObserveQueues(a.queueCounts); err != nil {
		slog.Warn("app: queue gauges unavailable", "err", err)
	} else {
		a.closers = append(a.closers, reg.Unregister)
	}

	// ── 3. Suggestion generator ─────────────────────────────────────────
	generator := a.initGenerator()

	// ── 4. Push hub + staging service ───────────────────────────────────
	a.hub = server.NewHub(server.HubConfig{
		Actions:      a.queues.PlayerActions,
		Metrics:      a.metrics,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	svcCfg := staging.Config{
		World:           a.world,
		Queues:          a.queues,
		Lookup:          a.lookup,
		Repository:      a.repo,
		Regions:         a.regions,
		Notifier:        a.hub,
		DefaultTTLHours: cfg.Staging.DefaultTTLHours,
		Metrics:         a.metrics,
	}
	if generator != nil {
		svcCfg.Generator = generator
	}
	svc, err := staging.NewService(svcCfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init staging: %w", err)
	}
	a.service = svc
	a.generation = genqueue.New(a.queues, a.world)

	// ── 5. Health + HTTP ────────────────────────────────────────────────
	a.initHealth()
	srv := server.New(server.Config{
		Service:        a.service,
		World:          a.world,
		Queues:         a.queues,
		Generation:     a.generation,
		Hub:            a.hub,
		Health:         a.health,
		MetricsHandler: a.metricsHandler,
		Metrics:        a.metrics,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores sets up the relationship lookup and staging repository. With a
// PostgreSQL DSN both live in the database; otherwise relations come from
// campaign files and stagings are kept in memory.
func (a *App) initStores(ctx context.Context) error {
	if a.lookup != nil && a.repo != nil {
		return nil
	}

	if dsn := a.cfg.Database.PostgresDSN; dsn != "" {
		store, pool, err := postgres.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.pg = store
		if a.cfg.Database.SeedFromCampaign {
			if err := a.importCampaigns(ctx); err != nil {
				return err
			}
		}
		if a.lookup == nil {
			a.lookup, a.regions = store, store
		}
		if a.repo == nil {
			a.repo = store
		}
		slog.Info("app: using postgres stores")
		return nil
	}

	if a.lookup == nil {
		a.campaign = campaign.NewMemStore()
		if err := a.importCampaigns(ctx); err != nil {
			return err
		}
		a.lookup, a.regions = a.campaign, a.campaign
	}
	if a.repo == nil {
		a.repo = staging.NewMemRepository()
	}
	return nil
}

// importCampaigns loads every configured campaign file into the active
// relation store.
func (a *App) importCampaigns(ctx context.Context) error {
	for _, path := range a.cfg.Campaign.Files {
		cf, err := campaign.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load campaign file %q: %w", path, err)
		}
		switch {
		case a.pg != nil:
			if err := a.pg.Import(ctx, cf); err != nil {
				return fmt.Errorf("import campaign %q: %w", path, err)
			}
		case a.campaign != nil:
			a.campaign.Import(cf)
		default:
			continue
		}
		slog.Info("imported campaign", "path", path, "regions", len(cf.Regions), "npcs", len(cf.NPCs))
	}
	return nil
}

// initGenerator wraps the configured LLM backends in a failover group and
// returns the suggestion generator, or nil without an LLM.
func (a *App) initGenerator() staging.SuggestionGenerator {
	p := a.providers
	if p.LLM == nil {
		slog.Info("app: no llm provider, proposals carry rule-based suggestions only")
		return nil
	}
	name := p.LLMName
	if name == "" {
		name = "primary"
	}
	a.llm = resilience.NewLLMFallback(p.LLM, name, resilience.FallbackConfig{}, a.metrics)
	for _, fb := range p.Fallbacks {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}

	s := a.cfg.Staging
	return suggest.NewGenerator(a.llm,
		suggest.WithTemperature(s.Temperature),
		suggest.WithMaxTokens(s.MaxTokens),
		suggest.WithMaxSuggestions(s.MaxSuggestions),
		suggest.WithTimeout(s.LLMTimeout),
		suggest.WithFuzzyThreshold(s.FuzzyThreshold),
		suggest.WithMetrics(a.metrics),
	)
}

func (a *App) initHealth() {
	opts := []health.Option{
		health.WithQueueReport(a.queues.Report),
		health.WithChecker(health.BacklogChecker(a.queues.Report, a.cfg.Queues.BacklogLimit)),
	}
	if a.pg != nil {
		opts = append(opts, health.WithChecker(health.Checker{Name: "database", Check: a.pg.Ping}))
	}
	if a.llm != nil {
		opts = append(opts, health.WithChecker(a.llm.HealthChecker()))
	}
	a.health = health.New(opts...)
}

func (a *App) queueCounts() []observe.QueueCounts {
	rep := a.queues.Report()
	out := make([]observe.QueueCounts, 0, len(rep.Queues))
	for name, st := range rep.Queues {
		out = append(out, observe.QueueCounts{Name: name, Pending: st.Pending, Processing: st.Processing})
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Service returns the staging service.
func (a *App) Service() *staging.Service { return a.service }

// Queues returns the queue set.
func (a *App) Queues() *queue.Set { return a.queues }

// World returns the world state store.
func (a *App) World() *world.Store { return a.world }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpServer.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the queue workers, the lease reaper and the HTTP server and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	q := a.cfg.Queues
	g, ctx := errgroup.WithContext(ctx)

	players := queue.NewWorker(a.queues.PlayerActions,
		func(ctx context.Context, it queue.Item[queue.PlayerAction]) (string, error) {
			return a.service.HandlePlayerAction(ctx, it.Payload)
		},
		queue.WorkerConfig{Concurrency: q.PlayerActionWorkers, PollInterval: q.PollInterval})
	llms := queue.NewWorker(a.queues.LLMRequests,
		func(ctx context.Context, it queue.Item[queue.LLMRequest]) (string, error) {
			if err := a.service.HandleLLMRequest(ctx, it.Payload); err != nil {
				return "", err
			}
			return "suggested", nil
		},
		queue.WorkerConfig{Concurrency: q.LLMWorkers, PollInterval: q.PollInterval})
	assets := queue.NewWorker(a.queues.AssetGeneration,
		func(context.Context, queue.Item[queue.AssetGeneration]) (string, error) {
			return "", ErrNoAssetBackend
		},
		queue.WorkerConfig{Concurrency: q.AssetWorkers, PollInterval: q.PollInterval})

	g.Go(func() error { return ignoreCanceled(players.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(llms.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(assets.Run(ctx)) })
	g.Go(func() error { a.reap(ctx); return nil })
	g.Go(func() error { return a.serve(ctx) })

	slog.Info("dmdesk running", "listen_addr", a.addr())
	return g.Wait()
}

// reap returns expired leases to Pending and prunes old terminal items.
func (a *App) reap(ctx context.Context) {
	q := a.cfg.Queues
	t := time.NewTicker(q.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := a.queues.ReclaimExpired(now); n > 0 {
				slog.Warn("app: reclaimed expired queue items", "count", n)
			}
			if q.Retention > 0 {
				if n := a.queues.Prune(now.Add(-q.Retention)); n > 0 {
					slog.Debug("app: pruned queue items", "count", n)
				}
			}
		}
	}
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		tls := a.cfg.Server.TLS
		switch {
		case a.listener != nil && tls != nil:
			err = a.httpServer.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		case a.listener != nil:
			err = a.httpServer.Serve(a.listener)
		case tls != nil:
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		default:
			err = a.httpServer.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.hub.Close()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	}
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.cfg.Server.ListenAddr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the parts of a changed config that take effect without a
// restart: the log level and the campaign files. It is meant to be called
// from a [config.Watcher] callback.
func (a *App) Reload(ctx context.Context, old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.CampaignChanged {
		prev := a.cfg.Campaign
		a.cfg.Campaign = next.Campaign
		if err := a.importCampaigns(ctx); err != nil {
			a.cfg.Campaign = prev
			slog.Error("app: campaign reload failed", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", slices.Clone(d.RestartRequired))
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and closes all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.hub.Close()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}
