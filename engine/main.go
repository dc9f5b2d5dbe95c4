// TradeForge engine: the scheduling core of the automated trading platform.
// It runs the three task queues, the workflow orchestrator, the background
// scheduler, and the control API the web layer talks to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/breaker"
	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/config"
	"github.com/itskum47/TradeForge/engine/idempotency"
	"github.com/itskum47/TradeForge/engine/periodic"
	"github.com/itskum47/TradeForge/engine/queues"
	"github.com/itskum47/TradeForge/engine/ratelimit"
	"github.com/itskum47/TradeForge/engine/sched"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
	"github.com/itskum47/TradeForge/engine/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start failed")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("TradeForge engine listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
	app.Stop()
}

// App bundles the wired components for the control API and shutdown.
type App struct {
	cfg      config.Config
	log      zerolog.Logger
	store    store.TaskStore
	bus      *bus.Bus
	engine   *sched.Engine
	orch     *workflow.Orchestrator
	periodic *periodic.Scheduler
	monitor  *Monitor
	hub      *EventHub
	idem     idempotency.Store
}

func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	backing, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New(log)

	var engine *sched.Engine
	st := store.NewRetryingStore(backing, log, func(cause error) {
		if engine != nil {
			engine.StopAdmissions(cause)
		}
	})

	idem, err := openIdempotency(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	budget := buildBudget(cfg)
	registry := queues.NewRegistry()
	queues.RegisterAll(registry)

	services := &queues.Services{
		Broker:         newBrokerClient(cfg, log),
		LLM:            newLLMClient(cfg, log),
		MarketData:     newMarketDataClient(cfg, log),
		Idempotency:    idem,
		Bus:            eventBus,
		Log:            log,
		IdempotencyTTL: cfg.Redis.TTL,
	}

	engine = sched.New(st, eventBus, budget, registry, services, log, engineOptions(cfg))
	orch := workflow.New(engine, st, eventBus, log)

	window, err := marketWindow(cfg)
	if err != nil {
		return nil, err
	}
	bg := periodic.New(engine, st, window, log)
	registerPeriodics(bg)

	app := &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		bus:      eventBus,
		engine:   engine,
		orch:     orch,
		periodic: bg,
		monitor:  NewMonitor(st, eventBus, engine, cfg.Monitor, log),
		hub:      NewEventHub(eventBus, log),
		idem:     idem,
	}
	app.startJournal()
	app.startRetention(ctx)
	return app, nil
}

// Start brings the components up in dependency order: engine first so the
// orchestrator and background scheduler can submit into it.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.orch.Start(ctx); err != nil {
		return err
	}
	if err := a.periodic.Start(ctx); err != nil {
		return err
	}
	a.monitor.Start(ctx)
	go a.hub.Run(ctx)
	return nil
}

// Stop drains in reverse order.
func (a *App) Stop() {
	a.periodic.Stop()
	a.monitor.Stop()
	a.engine.Stop()
	a.bus.Close()
}

func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close failed")
	}
	if err := a.idem.Close(); err != nil {
		a.log.Error().Err(err).Msg("idempotency store close failed")
	}
}

// startJournal copies every bus event into the append-only audit journal.
func (a *App) startJournal() {
	a.bus.Subscribe("journal", nil, func(ev bus.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.store.AppendEvent(ctx, store.EventRow{
			ID:            ev.ID,
			Type:          string(ev.Type),
			Source:        ev.Source,
			Timestamp:     ev.Timestamp,
			CorrelationID: ev.CorrelationID,
			Payload:       ev.Payload,
		})
	})
}

// startRetention sweeps terminal tasks past their retention windows.
func (a *App) startRetention(ctx context.Context) {
	policy := store.RetentionPolicy{
		Completed: a.cfg.Retention.Completed,
		Failed:    a.cfg.Retention.Failed,
	}
	go func() {
		ticker := time.NewTicker(a.cfg.Retention.Sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := a.store.Retain(ctx, policy, now)
				if err != nil {
					a.log.Error().Err(err).Msg("retention sweep failed")
					continue
				}
				if n > 0 {
					a.log.Info().Int("deleted", n).Msg("retention sweep")
				}
			}
		}
	}()
}

func openStore(ctx context.Context, cfg config.Config) (store.TaskStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.Postgres)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Store.SQLite)
	}
}

func openIdempotency(ctx context.Context, cfg config.Config, log zerolog.Logger) (idempotency.Store, error) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("no redis configured, using in-process idempotency store")
		return idempotency.NewLocalStore(), nil
	}
	st, err := idempotency.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis idempotency store connected")
	return st, nil
}

func buildBudget(cfg config.Config) *ratelimit.Budget {
	configs := make(map[string]ratelimit.APIConfig, len(cfg.Rates))
	for api, r := range cfg.Rates {
		configs[api] = ratelimit.APIConfig{
			Capacity:     r.Capacity,
			RefillPerSec: r.RefillPerSec,
			Keys:         r.Keys,
		}
	}
	return ratelimit.NewBudget(configs)
}

func engineOptions(cfg config.Config) sched.Options {
	opts := sched.Options{
		Queues:              make(map[task.Queue]sched.QueueOptions, len(cfg.Queues)),
		StarvationThreshold: cfg.StarvationThreshold,
		CancelGrace:         cfg.CancelGrace,
		RetryBase:           cfg.RetryBase,
		RetryCap:            cfg.RetryCap,
	}
	for name, q := range cfg.Queues {
		opts.Queues[task.Queue(name)] = sched.QueueOptions{
			Enabled:        q.Enabled,
			MaxConcurrent:  q.MaxConcurrent,
			MaxRetries:     q.MaxRetries,
			DefaultTimeout: q.DefaultTimeout,
			Breaker: breaker.Config{
				Threshold: q.BreakerThreshold,
				Window:    q.BreakerWindow,
				Cooldown:  q.BreakerCooldown,
			},
		}
	}
	return opts
}

func marketWindow(cfg config.Config) (periodic.MarketWindow, error) {
	loc, open, close, err := cfg.MarketWindow()
	if err != nil {
		return periodic.MarketWindow{}, err
	}
	return periodic.MarketWindow{Location: loc, OpenMin: open, CloseMin: close}, nil
}

// registerPeriodics wires the standing schedule: portfolio refreshes during
// market hours, data pulls around the clock, and the two daily analysis runs.
func registerPeriodics(bg *periodic.Scheduler) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(bg.RegisterPeriodic("portfolio-refresh", task.QueuePortfolioSync, queues.TypeSyncBalances,
		nil, 5*time.Minute, 6, true))
	must(bg.RegisterPeriodic("positions-refresh", task.QueuePortfolioSync, queues.TypeUpdatePositions,
		nil, 5*time.Minute, 6, true))
	must(bg.RegisterPeriodic("risk-check", task.QueuePortfolioSync, queues.TypeValidateRiskLimits,
		nil, 15*time.Minute, 8, true))
	must(bg.RegisterPeriodic("news-sweep", task.QueueDataFetcher, queues.TypeFetchNews,
		nil, 30*time.Minute, 4, false))
	must(bg.RegisterPeriodic("earnings-sweep", task.QueueDataFetcher, queues.TypeFetchEarnings,
		nil, 6*time.Hour, 3, false))
	must(bg.RegisterPeriodic("morning-prep", task.QueueAIAnalysis, queues.TypeMorningPrep,
		nil, 24*time.Hour, 7, false))
	must(bg.RegisterPeriodic("evening-review", task.QueueAIAnalysis, queues.TypeEveningReview,
		nil, 24*time.Hour, 7, false))
}
