// Package engine drives end-to-end reconciliation passes: it leases pooled
// backend connections, sizes batches from the bandwidth throttle's advice,
// drains the pending queue in priority order, detects and resolves conflicts
// against authoritative responses, and reports aggregated run statistics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/conflict"
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

// ErrOffline is returned when a pass is requested while connectivity is down.
var ErrOffline = errors.New("engine: network unavailable")

// Status is the engine lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// String returns the status name.
func (s Status) String() string { return string(s) }

// Direction selects which way a pass reconciles.
type Direction string

const (
	// DirectionPush sends pending local changes to the remote store.
	DirectionPush Direction = "push"

	// DirectionPull fetches authoritative records and reconciles them
	// against local state.
	DirectionPull Direction = "pull"

	// DirectionBoth pushes then pulls in one pass.
	DirectionBoth Direction = "both"
)

// IsValid reports whether the direction is known.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionPush, DirectionPull, DirectionBoth:
		return true
	default:
		return false
	}
}

// Options tunes a single sync pass.
type Options struct {
	// Direction selects push, pull, or both. Defaults to push.
	Direction Direction

	// Priority, when set, restricts the pass to one queue tier.
	Priority model.Priority

	// Force bypasses the throttle-derived batch budget. The connection
	// pool's bound still applies.
	Force bool
}

// SyncResult is the outcome of one pass.
type SyncResult struct {
	Success        bool                 `json:"success"`
	Status         Status               `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	ItemsProcessed int                  `json:"items_processed"`
	ItemsSucceeded int                  `json:"items_succeeded"`
	ItemsFailed    int                  `json:"items_failed"`
	Conflicts      []*conflict.Conflict `json:"conflicts,omitempty"`
	Err            error                `json:"-"`
	Duration       time.Duration        `json:"duration"`
}

// SyncRunStats are cumulative counters across all passes, updated exactly
// once per run at completion.
type SyncRunStats struct {
	TotalRuns         int64         `json:"total_runs"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	ItemsSynced       int64         `json:"items_synced"`
	ConflictsResolved int64         `json:"conflicts_resolved"`
	AverageDuration   time.Duration `json:"average_duration"`
	LastRun           time.Time     `json:"last_run"`
	LastSuccessfulRun time.Time     `json:"last_successful_run"`
}

// EventKind tags an engine lifecycle event.
type EventKind string

const (
	EventSyncStarted      EventKind = "syncStarted"
	EventStatusChange     EventKind = "statusChange"
	EventConflict         EventKind = "conflict"
	EventConflictResolved EventKind = "conflictResolved"
	EventConflictsCleared EventKind = "conflictsCleared"
	EventSyncCompleted    EventKind = "syncCompleted"
	EventSyncError        EventKind = "syncError"
)

// Event is one lifecycle notification. Only the fields relevant to the kind
// are populated: Status for statusChange, Conflict for conflict and
// conflictResolved, Result for syncCompleted, Err for syncError.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Status   Status
	Conflict *conflict.Conflict
	Result   *SyncResult
	Err      error
}

// Config tunes the engine.
type Config struct {
	// MaxBatchSize caps how many queue items one pass may process.
	MaxBatchSize int

	// ItemTimeout bounds each remote call so a hung request cannot stall
	// the pass.
	ItemTimeout time.Duration

	// AutoResolve is the strategy applied to freshly detected conflicts.
	// Manual leaves them open for review.
	AutoResolve conflict.ResolutionStrategy

	// AutoSyncInterval, when positive, triggers periodic passes once Start
	// is called.
	AutoSyncInterval time.Duration
}

// DefaultConfig returns engine defaults sized for constrained devices.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     50,
		ItemTimeout:      30 * time.Second,
		AutoResolve:      conflict.LastWriteWins,
		AutoSyncInterval: 5 * time.Minute,
	}
}

// Deps are the collaborators the engine coordinates. All are required except
// Monitor, which disables the offline check and reconnect trigger when nil.
type Deps struct {
	Pool     *pool.Pool
	Throttle *throttle.Throttle
	Queue    *queue.Queue
	Detector *conflict.Detector
	Resolver *conflict.Resolver
	Registry *strategy.Registry
	Monitor  *netstatus.Monitor
	Store    store.Store
}

// run tracks one in-flight pass so concurrent Sync calls can share its
// eventual result instead of starting a second pass.
type run struct {
	done   chan struct{}
	result SyncResult
}

// Engine is the sync orchestrator.
type Engine struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	status   Status
	inFlight *run
	stats    SyncRunStats
	totalDur time.Duration

	events chan Event

	loopMu   sync.Mutex
	loopStop chan struct{}
	loopDone chan struct{}
}

// New wires an engine from explicitly constructed collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Pool == nil || deps.Queue == nil || deps.Detector == nil ||
		deps.Resolver == nil || deps.Registry == nil || deps.Store == nil {
		return nil, errors.New("engine: missing required collaborator")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = DefaultConfig().ItemTimeout
	}
	if !cfg.AutoResolve.IsValid() {
		cfg.AutoResolve = conflict.LastWriteWins
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		status: StatusIdle,
		events: make(chan Event, 64),
	}, nil
}

// Events returns the lifecycle event stream. Events are dropped, not
// blocking, when the consumer falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Stats returns a snapshot of the cumulative run counters.
func (e *Engine) Stats() SyncRunStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Sync runs one reconciliation pass. A call made while a pass is already in
// flight does not start a second pass; it waits for and returns the in-flight
// run's result.
func (e *Engine) Sync(ctx context.Context, opts Options) (SyncResult, error) {
	if !opts.Direction.IsValid() {
		opts.Direction = DirectionPush
	}

	e.mu.Lock()
	if e.inFlight != nil {
		r := e.inFlight
		e.mu.Unlock()

		select {
		case <-r.done:
			return r.result, r.result.Err
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	e.inFlight = r
	e.setStatusLocked(StatusSyncing)
	e.mu.Unlock()

	e.emit(Event{Kind: EventSyncStarted})
	result := e.pass(ctx, opts)

	e.mu.Lock()
	if result.Success {
		e.setStatusLocked(StatusCompleted)
	} else {
		e.setStatusLocked(StatusError)
	}
	e.recordRunLocked(result)
	e.inFlight = nil
	e.setStatusLocked(StatusIdle)
	e.mu.Unlock()

	r.result = result
	close(r.done)

	if result.Success {
		e.emit(Event{Kind: EventSyncCompleted, Result: &result})
	} else {
		e.emit(Event{Kind: EventSyncError, Result: &result, Err: result.Err})
	}
	return result, result.Err
}

// ForceSync runs a pass that bypasses the throttle-derived batch budget. The
// connection pool's concurrency bound still applies.
func (e *Engine) ForceSync(ctx context.Context) (SyncResult, error) {
	return e.Sync(ctx, Options{Force: true})
}

// Submit routes a local change through the strategy bound to its entity type,
// which decides when and at what priority it reaches the pending queue.
func (e *Engine) Submit(ctx context.Context, change model.Change) (strategy.Result, error) {
	if err := change.Validate(); err != nil {
		return strategy.Result{}, err
	}
	return e.deps.Registry.ExecuteForDataType(ctx, change.EntityType, []model.Change{change})
}

// Conflicts returns every known conflict, open first.
func (e *Engine) Conflicts() []*conflict.Conflict {
	return e.deps.Resolver.All()
}

// OpenConflicts returns unresolved conflicts only.
func (e *Engine) OpenConflicts() []*conflict.Conflict {
	return e.deps.Resolver.Open()
}

// ResolveConflict applies a resolution strategy to an open conflict, persists
// the winning record locally, and emits conflictResolved. Returns false for
// unknown, already-resolved, or escalated conflicts.
func (e *Engine) ResolveConflict(id string, strat conflict.ResolutionStrategy) bool {
	winner, ok := e.deps.Resolver.Resolve(id, strat)
	if !ok {
		return false
	}
	e.finishResolution(id, winner)
	return true
}

// ResolveConflictManually applies an explicit per-field mapping, the only
// path that settles an escalated conflict.
func (e *Engine) ResolveConflictManually(req conflict.ManualResolution) bool {
	winner, ok := e.deps.Resolver.ManualResolve(req)
	if !ok {
		return false
	}
	e.finishResolution(req.ConflictID, winner)
	return true
}

// EscalateConflict removes a conflict from automatic-resolution eligibility.
func (e *Engine) EscalateConflict(id string) bool {
	return e.deps.Resolver.Escalate(id)
}

// ClearConflicts drops all conflict records and history.
func (e *Engine) ClearConflicts() {
	e.deps.Resolver.Clear()
	e.emit(Event{Kind: EventConflictsCleared})
}

// Start launches the auto-sync loop: periodic passes on the configured
// interval plus an immediate pass when connectivity returns.
func (e *Engine) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop != nil {
		return
	}
	e.loopStop = make(chan struct{})
	e.loopDone = make(chan struct{})
	go e.autoLoop(e.loopStop, e.loopDone)
}

// Stop halts the auto-sync loop. In-flight passes complete.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopStop == nil {
		return
	}
	close(e.loopStop)
	<-e.loopDone
	e.loopStop = nil
	e.loopDone = nil
}

// pass executes one reconciliation pass and returns its aggregate result.
func (e *Engine) pass(ctx context.Context, opts Options) SyncResult {
	started := time.Now()
	result := SyncResult{Timestamp: started}
	stop := logging.Timer("sync_pass")
	defer stop()

	if e.deps.Monitor != nil && !e.deps.Monitor.Online() {
		result.Status = StatusError
		result.Err = ErrOffline
		result.Duration = time.Since(started)
		return result
	}

	if opts.Direction == DirectionPush || opts.Direction == DirectionBoth {
		e.pushPass(ctx, opts, &result)
	}
	if opts.Direction == DirectionPull || opts.Direction == DirectionBoth {
		e.pullPass(ctx, &result)
	}

	result.Duration = time.Since(started)
	// A pass fails only on an environmental error; per-item failures are
	// reported in the counters without aborting the batch.
	result.Success = result.Err == nil
	if result.Success {
		result.Status = StatusCompleted
	} else {
		result.Status = StatusError
	}

	logging.Info("sync pass finished",
		logging.Operation("sync"),
		logging.Count(result.ItemsProcessed),
		"succeeded", result.ItemsSucceeded,
		"failed", result.ItemsFailed,
		"conflicts", len(result.Conflicts),
	)
	return result
}

// pushPass drains the pending queue up to the batch budget.
func (e *Engine) pushPass(ctx context.Context, opts Options, result *SyncResult) {
	items := e.deps.Queue.Items(queue.Filter{Priority: opts.Priority})
	budget := e.batchBudget(len(items), opts.Force)

	for i, item := range items {
		if i >= budget {
			break
		}
		if err := ctx.Err(); err != nil {
			result.Err = err
			return
		}

		result.ItemsProcessed++
		if err := e.syncItem(ctx, item, result); err != nil {
			// Pool exhaustion or cancellation ends the pass; item
			// failures were already accounted by syncItem.
			result.Err = err
			return
		}
	}
}

// syncItem pushes one queue item and settles its outcome: ack on success,
// conflict recording on divergence, requeue or dead-letter on failure.
// A non-nil return aborts the pass.
func (e *Engine) syncItem(ctx context.Context, item *queue.Item, result *SyncResult) error {
	local := item.Change.Record

	err := e.deps.Pool.WithConn(ctx, func(conn *pool.Conn) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
		defer cancel()

		e.trackTransfer(item)
		defer e.untrackTransfer(item)

		start := time.Now()
		defer e.reportLatency(start)

		if item.Change.Op == model.OpDelete {
			err := conn.Backend().Delete(callCtx, item.Change.EntityType, item.Change.EntityID)
			if errors.Is(err, remote.ErrNotFound) {
				return nil // already gone remotely
			}
			return err
		}

		authoritative, err := conn.Backend().Push(callCtx, local)
		if err != nil {
			return err
		}
		e.reconcile(local, authoritative, result)
		return nil
	})

	switch {
	case err == nil:
		if ackErr := e.deps.Queue.Ack(item.ID); ackErr != nil {
			logging.Warn("failed to ack synced item", logging.Err(ackErr))
		}
		result.ItemsSucceeded++
		return nil

	case errors.Is(err, pool.ErrPoolClosed):
		return err

	case remote.IsConflict(err):
		e.conflictFromRejection(ctx, item, result)
		if ackErr := e.deps.Queue.Ack(item.ID); ackErr != nil {
			logging.Warn("failed to ack conflicted item", logging.Err(ackErr))
		}
		return nil

	case remote.IsPermanent(err):
		logging.Warn("permanent failure, dead-lettering",
			logging.Entity(string(item.Change.EntityType), item.Change.EntityID),
			logging.Err(err),
		)
		if dlErr := e.deps.Queue.DeadLetter(item.ID); dlErr != nil {
			logging.Error("dead-letter failed", logging.Err(dlErr))
		}
		e.deps.Registry.NotifyFailure(item.Change)
		result.ItemsFailed++
		return nil

	default:
		// Transient (timeouts included): requeue until the ceiling.
		dead, nackErr := e.deps.Queue.Nack(item.ID)
		if nackErr != nil {
			logging.Error("nack failed", logging.Err(nackErr))
		}
		if dead {
			e.deps.Registry.NotifyFailure(item.Change)
		}
		result.ItemsFailed++
		return nil
	}
}

// pullPass fetches the authoritative version of every locally known record
// and runs the same reconciliation as a push response.
func (e *Engine) pullPass(ctx context.Context, result *SyncResult) {
	for _, entityType := range model.AllEntityTypes() {
		values, err := e.deps.Store.GetAll(string(entityType))
		if err != nil {
			logging.Warn("pull skipped for type", logging.EntityType(string(entityType)), logging.Err(err))
			continue
		}

		for id, raw := range values {
			if err := ctx.Err(); err != nil {
				result.Err = err
				return
			}

			var local model.Record
			if err := json.Unmarshal(raw, &local); err != nil {
				logging.Warn("dropping unreadable local record",
					logging.Entity(string(entityType), id), logging.Err(err))
				continue
			}

			result.ItemsProcessed++
			err := e.deps.Pool.WithConn(ctx, func(conn *pool.Conn) error {
				callCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
				defer cancel()

				start := time.Now()
				defer e.reportLatency(start)

				authoritative, err := conn.Backend().Pull(callCtx, entityType, id)
				if errors.Is(err, remote.ErrNotFound) {
					return nil // remote never saw it; push will create it
				}
				if err != nil {
					return err
				}
				e.reconcile(local, authoritative, result)
				return nil
			})
			if errors.Is(err, pool.ErrPoolClosed) {
				result.Err = err
				return
			}
			if err != nil {
				result.ItemsFailed++
				continue
			}
			result.ItemsSucceeded++
		}
	}
}

// reconcile compares the pre-push local snapshot against the authoritative
// record, recording and (policy permitting) auto-resolving any divergence.
// The surviving record is persisted locally either way.
func (e *Engine) reconcile(local, authoritative model.Record, result *SyncResult) {
	c := e.deps.Detector.Detect(local, authoritative)
	if c == nil {
		e.persistRecord(authoritative)
		return
	}

	id := e.deps.Resolver.Record(c)
	result.Conflicts = append(result.Conflicts, c)
	e.emit(Event{Kind: EventConflict, Conflict: c})

	if e.cfg.AutoResolve == conflict.Manual {
		return
	}
	winner, ok := e.deps.Resolver.Resolve(id, e.cfg.AutoResolve)
	if !ok {
		// Escalated or already settled; left for manual review.
		return
	}
	e.persistRecord(winner)
	e.mu.Lock()
	e.stats.ConflictsResolved++
	e.mu.Unlock()
	if resolved, found := e.deps.Resolver.Get(id); found {
		e.emit(Event{Kind: EventConflictResolved, Conflict: resolved})
	}
}

// conflictFromRejection handles a push the remote rejected as conflicting:
// pull the authoritative version and run the normal reconciliation path.
func (e *Engine) conflictFromRejection(ctx context.Context, item *queue.Item, result *SyncResult) {
	err := e.deps.Pool.WithConn(ctx, func(conn *pool.Conn) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
		defer cancel()

		authoritative, err := conn.Backend().Pull(callCtx, item.Change.EntityType, item.Change.EntityID)
		if err != nil {
			return err
		}
		e.reconcile(item.Change.Record, authoritative, result)
		return nil
	})
	if err != nil {
		logging.Warn("could not fetch authoritative version for rejected push",
			logging.Entity(string(item.Change.EntityType), item.Change.EntityID),
			logging.Err(err),
		)
		result.ItemsFailed++
	}
}

// finishResolution persists a resolution's winning record and notifies
// listeners.
func (e *Engine) finishResolution(id string, winner model.Record) {
	e.persistRecord(winner)
	e.mu.Lock()
	e.stats.ConflictsResolved++
	e.mu.Unlock()
	if resolved, found := e.deps.Resolver.Get(id); found {
		e.emit(Event{Kind: EventConflictResolved, Conflict: resolved})
	}
}

// persistRecord writes a record to the local store under its entity type.
func (e *Engine) persistRecord(rec model.Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		logging.Error("failed to encode record", logging.Err(err))
		return
	}
	if err := e.deps.Store.Put(string(rec.EntityType), rec.EntityID, raw); err != nil {
		logging.Error("failed to persist record",
			logging.Entity(string(rec.EntityType), rec.EntityID),
			logging.Err(err),
		)
	}
}

// batchBudget derives how many items this pass may process from the
// throttle's current advisory rate. Force bypasses the budget entirely.
func (e *Engine) batchBudget(pending int, force bool) int {
	if force || e.deps.Throttle == nil {
		return pending
	}

	// Nominal per-item transfer size; the budget scales linearly with the
	// advised upload rate so a throttled-down link sends smaller batches.
	const nominalItemBytes = 4 * 1024

	limit := e.deps.Throttle.Config().UploadRateLimit
	if limit <= 0 {
		return min(pending, e.cfg.MaxBatchSize)
	}
	budget := int(limit / nominalItemBytes)
	if budget < 1 {
		budget = 1
	}
	if budget > e.cfg.MaxBatchSize {
		budget = e.cfg.MaxBatchSize
	}
	return min(budget, pending)
}

// trackTransfer registers an item's push with the throttle so the sampler
// sees its bytes.
func (e *Engine) trackTransfer(item *queue.Item) {
	if e.deps.Throttle == nil {
		return
	}
	e.deps.Throttle.RegisterTransfer(item.ID, throttle.Upload)
	if raw, err := json.Marshal(item.Change.Record); err == nil {
		e.deps.Throttle.UpdateProgress(item.ID, int64(len(raw)))
	}
}

func (e *Engine) untrackTransfer(item *queue.Item) {
	if e.deps.Throttle == nil {
		return
	}
	e.deps.Throttle.UnregisterTransfer(item.ID)
}

func (e *Engine) reportLatency(start time.Time) {
	if e.deps.Throttle == nil {
		return
	}
	e.deps.Throttle.ReportLatency(time.Since(start))
}

// recordRunLocked folds a completed pass into the cumulative stats.
// Caller must hold e.mu.
func (e *Engine) recordRunLocked(result SyncResult) {
	e.stats.TotalRuns++
	e.stats.LastRun = result.Timestamp
	if result.Success {
		e.stats.SuccessfulRuns++
		e.stats.LastSuccessfulRun = result.Timestamp
	} else {
		e.stats.FailedRuns++
	}
	e.stats.ItemsSynced += int64(result.ItemsSucceeded)
	e.totalDur += result.Duration
	e.stats.AverageDuration = e.totalDur / time.Duration(e.stats.TotalRuns)
}

// setStatusLocked transitions the lifecycle state and emits statusChange.
// Caller must hold e.mu.
func (e *Engine) setStatusLocked(s Status) {
	if e.status == s {
		return
	}
	e.status = s
	ev := Event{Kind: EventStatusChange, Status: s, Time: time.Now()}
	select {
	case e.events <- ev:
	default:
	}
}

// emit sends an event without blocking; a slow consumer drops events rather
// than stalling a pass.
func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.events <- ev:
	default:
		logging.Debug("event dropped, consumer behind", "kind", string(ev.Kind))
	}
}

// autoLoop drives periodic passes and an immediate pass on reconnect.
func (e *Engine) autoLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if e.cfg.AutoSyncInterval > 0 {
		ticker := time.NewTicker(e.cfg.AutoSyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var reconnect <-chan bool
	if e.deps.Monitor != nil {
		reconnect = e.deps.Monitor.Subscribe()
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
			e.autoSync("interval")
		case online, ok := <-reconnect:
			if !ok {
				reconnect = nil
				continue
			}
			if online {
				e.autoSync("reconnect")
			}
		}
	}
}

// autoSync runs a best-effort background pass.
func (e *Engine) autoSync(trigger string) {
	logging.Debug("auto sync triggered", "trigger", trigger)
	if _, err := e.Sync(context.Background(), Options{Direction: DirectionBoth}); err != nil {
		logging.Warn("auto sync failed", logging.Err(err))
	}
}
