package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/edgesync/edgesync/internal/conflict"
	"github.com/edgesync/edgesync/internal/model"
	"github.com/edgesync/edgesync/internal/netstatus"
	"github.com/edgesync/edgesync/internal/pool"
	"github.com/edgesync/edgesync/internal/queue"
	"github.com/edgesync/edgesync/internal/remote"
	"github.com/edgesync/edgesync/internal/store"
	"github.com/edgesync/edgesync/internal/strategy"
	"github.com/edgesync/edgesync/internal/throttle"
)

type rig struct {
	eng   *Engine
	fake  *remote.Fake
	queue *queue.Queue
	store store.Store
	pool  *pool.Pool
}

type rigOpts struct {
	cfg         Config
	maxAttempts int
	monitor     *netstatus.Monitor
	throttle    *throttle.Throttle
	backend     func(*remote.Fake) remote.Backend
}

func newRig(t *testing.T, opts rigOpts) *rig {
	t.Helper()

	st := store.NewMemStore()
	q, err := queue.New(st, opts.maxAttempts)
	if err != nil {
		t.Fatalf("queue.New failed: %v", err)
	}

	fake := remote.NewFake()
	factory := func(ctx context.Context) (remote.Backend, error) {
		if opts.backend != nil {
			return opts.backend(fake), nil
		}
		return fake, nil
	}

	p, err := pool.New(pool.Config{
		MaxConns:            2,
		MinConns:            1,
		AcquireTimeout:      time.Second,
		MaxLifetime:         time.Hour,
		IdleTimeout:         time.Hour,
		HealthCheckInterval: time.Hour,
		ProbeTimeout:        time.Second,
	}, factory)
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(p.Close)

	cfg := opts.cfg
	if cfg.MaxBatchSize == 0 {
		cfg = DefaultConfig()
		cfg.AutoResolve = opts.cfg.AutoResolve
		if !cfg.AutoResolve.IsValid() {
			cfg.AutoResolve = conflict.LastWriteWins
		}
	}

	eng, err := New(cfg, Deps{
		Pool:     p,
		Throttle: opts.throttle,
		Queue:    q,
		Detector: conflict.NewDetector(),
		Resolver: conflict.NewResolver(conflict.LastWriteWins, 20),
		Registry: strategy.NewRegistry(),
		Monitor:  opts.monitor,
		Store:    st,
	})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}

	return &rig{eng: eng, fake: fake, queue: q, store: st, pool: p}
}

func enqueue(t *testing.T, q *queue.Queue, id string, priority model.Priority) *queue.Item {
	t.Helper()
	rec := model.Record{EntityType: model.EntityAttendance, EntityID: id}
	if err := rec.SetField("status", "present", time.Now()); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	item, err := q.Enqueue(model.Change{
		EntityType: model.EntityAttendance,
		EntityID:   id,
		Op:         model.OpPut,
		Record:     rec,
	}, priority)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return item
}

func TestSync_PushDrainsQueue(t *testing.T) {
	r := newRig(t, rigOpts{})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)
	enqueue(t, r.queue, "a-2", model.PriorityLow)

	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Success || res.Status != StatusCompleted {
		t.Errorf("expected completed pass, got %+v", res)
	}
	if res.ItemsProcessed != 2 || res.ItemsSucceeded != 2 || res.ItemsFailed != 0 {
		t.Errorf("unexpected counters: %+v", res)
	}
	if r.queue.Len() != 0 {
		t.Errorf("queue should be drained, %d left", r.queue.Len())
	}
	if r.fake.Pushes() != 2 {
		t.Errorf("expected 2 pushes, got %d", r.fake.Pushes())
	}

	// The authoritative version lands in the local store.
	if _, err := r.store.Get(string(model.EntityAttendance), "a-1"); err != nil {
		t.Errorf("synced record not persisted locally: %v", err)
	}
}

// gatedBackend parks every Push until the gate is closed, holding a pass in
// the SYNCING state for as long as a test needs.
type gatedBackend struct {
	remote.Backend
	gate chan struct{}
}

func (g *gatedBackend) Push(ctx context.Context, rec model.Record) (model.Record, error) {
	<-g.gate
	return g.Backend.Push(ctx, rec)
}

func TestSync_SecondCallJoinsInFlightPass(t *testing.T) {
	gate := make(chan struct{})
	r := newRig(t, rigOpts{
		backend: func(f *remote.Fake) remote.Backend {
			return &gatedBackend{Backend: f, gate: gate}
		},
	})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	results := make(chan SyncResult, 2)
	go func() {
		res, _ := r.eng.Sync(context.Background(), Options{})
		results <- res
	}()

	deadline := time.After(2 * time.Second)
	for r.eng.Status() != StatusSyncing {
		select {
		case <-deadline:
			t.Fatal("pass never entered syncing state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	go func() {
		res, _ := r.eng.Sync(context.Background(), Options{})
		results <- res
	}()
	time.Sleep(20 * time.Millisecond) // let the second call park
	close(gate)

	first := <-results
	second := <-results
	if r.fake.Pushes() != 1 {
		t.Errorf("a joined call must not start a second pass: %d pushes", r.fake.Pushes())
	}
	if stats := r.eng.Stats(); stats.TotalRuns != 1 {
		t.Errorf("expected exactly 1 run recorded, got %d", stats.TotalRuns)
	}
	if first.ItemsProcessed != 1 || second.ItemsProcessed != 1 {
		t.Errorf("both callers should observe the same pass: %+v / %+v", first, second)
	}
}

func TestSync_TransientFailureRetriesThenDeadLetters(t *testing.T) {
	r := newRig(t, rigOpts{maxAttempts: 2})
	item := enqueue(t, r.queue, "a-1", model.PriorityHigh)

	transient := remote.NewError(remote.KindTransient, "push", "temporarily unavailable", nil)
	r.fake.FailNext("a-1", transient, transient)

	// First pass: failure is requeued, not dropped.
	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsFailed != 1 {
		t.Errorf("expected 1 failed item, got %+v", res)
	}
	if r.queue.Len() != 1 {
		t.Fatalf("item should be requeued after a transient failure")
	}

	// Second pass hits the retry ceiling and dead-letters.
	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if r.queue.Len() != 0 {
		t.Errorf("item should have left the pending queue")
	}
	dead := r.queue.DeadLetters()
	if len(dead) != 1 || dead[0].ID != item.ID {
		t.Fatalf("expected the item in dead letters, got %d", len(dead))
	}
	if dead[0].Attempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", dead[0].Attempts)
	}
}

func TestSync_PermanentFailureDeadLettersImmediately(t *testing.T) {
	r := newRig(t, rigOpts{maxAttempts: 5})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	r.fake.FailNext("a-1", remote.NewError(remote.KindPermanent, "push", "rejected payload", nil))

	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsFailed != 1 {
		t.Errorf("expected 1 failure, got %+v", res)
	}
	if r.queue.Len() != 0 || len(r.queue.DeadLetters()) != 1 {
		t.Errorf("permanent failure must skip the retry ladder")
	}
}

func TestSync_ConflictDetectedAndAutoResolved(t *testing.T) {
	r := newRig(t, rigOpts{})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	// The remote holds a newer divergent version and rejects the push.
	remoteRec := model.Record{EntityType: model.EntityAttendance, EntityID: "a-1", Version: 3}
	if err := remoteRec.SetField("status", "absent", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	r.fake.Seed(remoteRec)
	r.fake.FailNext("a-1", remote.NewError(remote.KindConflict, "push", "version diverged", nil))

	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict in the result, got %d", len(res.Conflicts))
	}
	if r.queue.Len() != 0 {
		t.Errorf("conflicted item should be acked once recorded")
	}

	// Last-write-wins picked the newer remote version and it was resolved.
	all := r.eng.Conflicts()
	if len(all) != 1 || !all[0].Resolved {
		t.Fatalf("expected 1 resolved conflict, got %d", len(all))
	}
	if all[0].Resolution.Strategy != conflict.LastWriteWins {
		t.Errorf("expected last-write-wins resolution, got %s", all[0].Resolution.Strategy)
	}
	if stats := r.eng.Stats(); stats.ConflictsResolved != 1 {
		t.Errorf("expected 1 resolved conflict in stats, got %d", stats.ConflictsResolved)
	}
}

func TestSync_ManualPolicyLeavesConflictOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoResolve = conflict.Manual
	r := newRig(t, rigOpts{cfg: cfg})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	remoteRec := model.Record{EntityType: model.EntityAttendance, EntityID: "a-1", Version: 2}
	if err := remoteRec.SetField("status", "absent", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	r.fake.Seed(remoteRec)
	r.fake.FailNext("a-1", remote.NewError(remote.KindConflict, "push", "version diverged", nil))

	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	open := r.eng.OpenConflicts()
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}

	// Resolving through the engine settles it; a second resolve is refused.
	if !r.eng.ResolveConflict(open[0].ID, conflict.LastWriteWins) {
		t.Fatal("first resolve should succeed")
	}
	if r.eng.ResolveConflict(open[0].ID, conflict.Merge) {
		t.Error("second resolve of the same conflict must be refused")
	}
	if len(r.eng.OpenConflicts()) != 0 {
		t.Error("conflict should no longer be open")
	}
}

func TestSync_OfflineFailsFast(t *testing.T) {
	monitor := netstatus.NewMonitor(func() bool { return false }, time.Hour)
	r := newRig(t, rigOpts{monitor: monitor})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	res, err := r.eng.Sync(context.Background(), Options{})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if res.Success || res.Status != StatusError {
		t.Errorf("expected failed pass, got %+v", res)
	}
	if r.queue.Len() != 1 {
		t.Errorf("offline pass must not consume queue items")
	}
	if stats := r.eng.Stats(); stats.FailedRuns != 1 || stats.TotalRuns != 1 {
		t.Errorf("stats should record one failed run, got %+v", stats)
	}
}

func TestSync_ThrottleBudgetAndForceBypass(t *testing.T) {
	// A 4 KiB/s advisory rate budgets roughly one nominal item per pass.
	th := throttle.New(throttle.Settings{
		UploadCeiling:   4 * 1024,
		DownloadCeiling: 4 * 1024,
		Adaptive:        false,
		SampleInterval:  time.Hour,
		HistorySize:     4,
	})
	r := newRig(t, rigOpts{throttle: th})
	for i := 0; i < 3; i++ {
		enqueue(t, r.queue, "a-"+string(rune('1'+i)), model.PriorityMedium)
	}

	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("throttled pass should respect the batch budget, got %d", res.ItemsProcessed)
	}

	res, err = r.eng.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	if res.ItemsProcessed != 2 {
		t.Errorf("force pass should bypass the budget, got %d", res.ItemsProcessed)
	}
	if r.queue.Len() != 0 {
		t.Errorf("queue should be drained after force sync")
	}
}

func TestSync_PriorityOrderWithinPass(t *testing.T) {
	r := newRig(t, rigOpts{})
	enqueue(t, r.queue, "low-1", model.PriorityLow)
	enqueue(t, r.queue, "high-1", model.PriorityHigh)

	// Restrict the pass to the high tier: the low item must remain queued.
	res, err := r.eng.Sync(context.Background(), Options{Priority: model.PriorityHigh})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("expected only the high-priority item, got %d", res.ItemsProcessed)
	}
	if r.queue.Len() != 1 {
		t.Errorf("low-priority item should remain queued")
	}
}

func TestSync_DeleteOp(t *testing.T) {
	r := newRig(t, rigOpts{})

	seeded := model.Record{EntityType: model.EntityEmployee, EntityID: "e-1", Version: 1}
	if err := seeded.SetField("name", "avery", time.Now()); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	r.fake.Seed(seeded)

	if _, err := r.queue.Enqueue(model.Change{
		EntityType: model.EntityEmployee,
		EntityID:   "e-1",
		Op:         model.OpDelete,
	}, model.PriorityMedium); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := r.eng.Sync(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsSucceeded != 1 {
		t.Errorf("expected delete to succeed, got %+v", res)
	}
	if _, err := r.fake.Pull(context.Background(), model.EntityEmployee, "e-1"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("record should be gone remotely, got %v", err)
	}
}

func TestSync_PullReconcilesLocalState(t *testing.T) {
	r := newRig(t, rigOpts{})

	// Local store holds an older version; the remote has moved on.
	local := model.Record{EntityType: model.EntityLeave, EntityID: "l-1", Version: 1}
	if err := local.SetField("approved", false, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	putRecord(t, r.store, local)

	newer := model.Record{EntityType: model.EntityLeave, EntityID: "l-1", Version: 2}
	if err := newer.SetField("approved", true, time.Now()); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	r.fake.Seed(newer)

	res, err := r.eng.Sync(context.Background(), Options{Direction: DirectionPull})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("expected 1 pulled record, got %d", res.ItemsProcessed)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected divergence to surface as a conflict, got %d", len(res.Conflicts))
	}

	all := r.eng.Conflicts()
	if len(all) != 1 || !all[0].Resolved {
		t.Errorf("pull conflict should auto-resolve under last-write-wins")
	}
}

func TestEvents_LifecycleOfOnePass(t *testing.T) {
	r := newRig(t, rigOpts{})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	seen := map[EventKind]bool{}
	for {
		select {
		case ev := <-r.eng.Events():
			seen[ev.Kind] = true
		default:
			goto drained
		}
	}
drained:
	for _, kind := range []EventKind{EventSyncStarted, EventStatusChange, EventSyncCompleted} {
		if !seen[kind] {
			t.Errorf("missing %s event", kind)
		}
	}
}

func TestClearConflicts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoResolve = conflict.Manual
	r := newRig(t, rigOpts{cfg: cfg})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	remoteRec := model.Record{EntityType: model.EntityAttendance, EntityID: "a-1", Version: 2}
	if err := remoteRec.SetField("status", "absent", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetField failed: %v", err)
	}
	r.fake.Seed(remoteRec)
	r.fake.FailNext("a-1", remote.NewError(remote.KindConflict, "push", "version diverged", nil))

	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(r.eng.Conflicts()) != 1 {
		t.Fatal("expected a recorded conflict")
	}

	r.eng.ClearConflicts()
	if len(r.eng.Conflicts()) != 0 {
		t.Error("conflicts should be cleared")
	}
}

func TestStats_AccumulateAcrossRuns(t *testing.T) {
	r := newRig(t, rigOpts{})
	enqueue(t, r.queue, "a-1", model.PriorityHigh)

	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	enqueue(t, r.queue, "a-2", model.PriorityHigh)
	if _, err := r.eng.Sync(context.Background(), Options{}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	stats := r.eng.Stats()
	if stats.TotalRuns != 2 || stats.SuccessfulRuns != 2 {
		t.Errorf("expected 2 successful runs, got %+v", stats)
	}
	if stats.ItemsSynced != 2 {
		t.Errorf("expected 2 items synced, got %d", stats.ItemsSynced)
	}
	if stats.LastRun.IsZero() || stats.LastSuccessfulRun.IsZero() {
		t.Error("run timestamps should be set")
	}
}

func putRecord(t *testing.T, st store.Store, rec model.Record) {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if err := st.Put(string(rec.EntityType), rec.EntityID, raw); err != nil {
		t.Fatalf("store put: %v", err)
	}
}
