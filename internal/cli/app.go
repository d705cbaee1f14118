package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/edgesync/edgesync/internal/config"
	"github.com/edgesync/edgesync/internal/conflict"
	"github.com/edgesync/edgesync/internal/engine"
	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
	"github.com/edgesync/edgesync/internal/netstatus"
	"github.com/edgesync/edgesync/internal/pool"
	"github.com/edgesync/edgesync/internal/queue"
	"github.com/edgesync/edgesync/internal/remote"
	"github.com/edgesync/edgesync/internal/store"
	"github.com/edgesync/edgesync/internal/strategy"
	"github.com/edgesync/edgesync/internal/throttle"
)

// App is the composition root: every component is constructed explicitly here
// and torn down in reverse order by Close.
type App struct {
	Config   *config.Config
	Store    store.Store
	Queue    *queue.Queue
	Pool     *pool.Pool
	Throttle *throttle.Throttle
	Resolver *conflict.Resolver
	Registry *strategy.Registry
	Monitor  *netstatus.Monitor
	Engine   *engine.Engine

	lazy    *strategy.Lazy
	batched *strategy.Batched

	// priorMu guards prior, the pre-apply snapshots rollbackLocal restores.
	priorMu sync.Mutex
	prior   map[string]priorState
}

// priorState is a record's value before an optimistic apply. existed is false
// when the apply created the record.
type priorState struct {
	value   []byte
	existed bool
}

// newApp builds the full component graph from configuration.
func newApp(cmd *cli.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenBadger(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	app := &App{Config: cfg, Store: st, prior: make(map[string]priorState)}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// loadConfig loads configuration from --config or the default locations.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// wire constructs everything above the store.
func (a *App) wire() error {
	cfg := a.Config

	q, err := queue.New(a.Store, cfg.Queue.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	a.Queue = q

	// One probe backend for connectivity checks; pooled handles are created
	// per lease by the factory.
	probe, err := remote.NewHTTPBackend(remote.HTTPOptions{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.Timeout,
	})
	if err != nil {
		return err
	}
	a.Monitor = netstatus.NewMonitor(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return probe.Ping(ctx) == nil
	}, cfg.Remote.CheckInterval)

	factory := func(ctx context.Context) (remote.Backend, error) {
		return remote.NewHTTPBackend(remote.HTTPOptions{
			BaseURL:        cfg.Remote.BaseURL,
			RequestTimeout: cfg.Remote.Timeout,
		})
	}
	a.Pool, err = pool.New(pool.Config{
		MaxConns:            cfg.Pool.MaxConns,
		MinConns:            cfg.Pool.MinConns,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		MaxLifetime:         cfg.Pool.MaxLifetime,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
	}, factory)
	if err != nil {
		return fmt.Errorf("failed to build connection pool: %w", err)
	}

	a.Throttle = throttle.New(throttle.Settings{
		UploadCeiling:   cfg.Throttle.UploadCeiling,
		DownloadCeiling: cfg.Throttle.DownloadCeiling,
		Adaptive:        cfg.Throttle.Adaptive,
		SampleInterval:  cfg.Throttle.SampleInterval,
	})

	a.Resolver = conflict.NewResolver(cfg.AutoResolveStrategy(), cfg.Conflict.HistorySize)
	a.Registry = a.buildRegistry()

	a.Engine, err = engine.New(engine.Config{
		MaxBatchSize:     cfg.Sync.MaxBatchSize,
		ItemTimeout:      cfg.Remote.Timeout,
		AutoResolve:      cfg.AutoResolveStrategy(),
		AutoSyncInterval: cfg.Sync.AutoInterval,
	}, engine.Deps{
		Pool:     a.Pool,
		Throttle: a.Throttle,
		Queue:    a.Queue,
		Detector: conflict.NewDetector(),
		Resolver: a.Resolver,
		Registry: a.Registry,
		Monitor:  a.Monitor,
		Store:    a.Store,
	})
	if err != nil {
		return err
	}
	return nil
}

// buildRegistry constructs the strategy set and binds entity types per config.
func (a *App) buildRegistry() *strategy.Registry {
	cfg := a.Config
	enq := strategy.EnqueuerFunc(func(c model.Change, p model.Priority) error {
		_, err := a.Queue.Enqueue(c, p)
		return err
	})

	reg := strategy.NewRegistry()
	reg.Register(strategy.NewOptimistic(enq, a.applyLocal, a.rollbackLocal))
	a.lazy = strategy.NewLazy(enq, a.Monitor.Online, cfg.Sync.LazyBackoffBase, cfg.Sync.LazyBackoffMax)
	reg.Register(a.lazy)
	reg.Register(strategy.NewPriorityRule(enq, defaultRules(), model.PriorityMedium))
	a.batched = strategy.NewBatched(enq, cfg.Sync.MaxBatchSize, cfg.Sync.BatchFlushInterval)
	reg.Register(a.batched)

	for entityType, name := range cfg.Strategies {
		if err := reg.Bind(model.EntityType(entityType), name); err != nil {
			logging.Warn("skipping invalid strategy binding",
				logging.EntityType(entityType), logging.StrategyAttr(name))
		}
	}
	return reg
}

// defaultRules order attendance corrections ahead of everything else and push
// analytics to the back of the queue.
func defaultRules() []strategy.Rule {
	return []strategy.Rule{
		{
			Name:     "deletes are urgent",
			Match:    func(c model.Change) bool { return c.Op == model.OpDelete },
			Priority: model.PriorityHigh,
		},
		{
			Name:     "attendance is time-sensitive",
			Match:    func(c model.Change) bool { return c.EntityType == model.EntityAttendance },
			Priority: model.PriorityHigh,
		},
		{
			Name:     "analytics can wait",
			Match:    func(c model.Change) bool { return c.EntityType == model.EntityAnalytics },
			Priority: model.PriorityLow,
		},
	}
}

// applyLocal persists a change locally ahead of its push (optimistic apply),
// snapshotting the record's prior state so rollbackLocal can restore it.
func (a *App) applyLocal(c model.Change) error {
	prev, err := a.Store.Get(string(c.EntityType), c.EntityID)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if c.Op == model.OpDelete {
		if err := a.Store.Delete(string(c.EntityType), c.EntityID); err != nil {
			return err
		}
	} else {
		raw, err := json.Marshal(c.Record)
		if err != nil {
			return err
		}
		if err := a.Store.Put(string(c.EntityType), c.EntityID, raw); err != nil {
			return err
		}
	}

	a.priorMu.Lock()
	a.prior[changeKey(c)] = priorState{value: prev, existed: existed}
	a.priorMu.Unlock()
	return nil
}

// rollbackLocal undoes an optimistic apply after a push ultimately failed:
// the snapshotted prior value is written back, and the record is deleted only
// when the apply created it.
func (a *App) rollbackLocal(c model.Change) error {
	a.priorMu.Lock()
	prev, ok := a.prior[changeKey(c)]
	delete(a.prior, changeKey(c))
	a.priorMu.Unlock()

	if !ok {
		// No snapshot (apply predates this process); leave local state alone
		// rather than guess.
		logging.Debug("no prior snapshot for rollback",
			logging.Entity(string(c.EntityType), c.EntityID))
		return nil
	}
	if !prev.existed {
		return a.Store.Delete(string(c.EntityType), c.EntityID)
	}
	return a.Store.Put(string(c.EntityType), c.EntityID, prev.value)
}

func changeKey(c model.Change) string {
	return string(c.EntityType) + "/" + c.EntityID
}

// Start launches the background loops.
func (a *App) Start() {
	a.Monitor.Start()
	a.Throttle.Start()
	a.Engine.Start()
}

// Close tears everything down in reverse construction order.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.lazy != nil {
		a.lazy.Stop()
	}
	if a.batched != nil {
		a.batched.Stop()
	}
	if a.Throttle != nil {
		a.Throttle.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logging.Warn("failed to close store", logging.Err(err))
		}
	}
}
