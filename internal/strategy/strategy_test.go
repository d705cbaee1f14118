package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgesync/edgesync/internal/model"
)

// sink collects enqueued changes for assertions.
type sink struct {
	mu      sync.Mutex
	entries []sinkEntry
	fail    error
}

type sinkEntry struct {
	change   model.Change
	priority model.Priority
}

func (s *sink) Enqueue(change model.Change, priority model.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, sinkEntry{change, priority})
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func testChange(id string) model.Change {
	rec := model.Record{EntityType: model.EntityAttendance, EntityID: id}
	_ = rec.SetField("status", "present", time.Now())
	return model.Change{EntityType: model.EntityAttendance, EntityID: id, Op: model.OpPut, Record: rec}
}

func TestRegistry_ExecuteByName(t *testing.T) {
	s := &sink{}
	reg := NewRegistry()
	reg.Register(NewOptimistic(s, nil, nil))

	res, err := reg.Execute(context.Background(), NameOptimistic, []model.Change{testChange("a-1")})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("expected 1 processed, got %d", res.ItemsProcessed)
	}

	if _, err := reg.Execute(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestRegistry_DataTypeBinding(t *testing.T) {
	s := &sink{}
	reg := NewRegistry()
	reg.Register(NewOptimistic(s, nil, nil))
	reg.Register(NewBatched(s, 100, time.Hour))

	if err := reg.Bind(model.EntityAnalytics, NameBatched); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := reg.Bind(model.EntityAnalytics, "nope"); err == nil {
		t.Error("expected error binding unknown strategy")
	}

	// Bound type routes to batched: item is buffered, not enqueued.
	res, err := reg.ExecuteForDataType(context.Background(), model.EntityAnalytics, []model.Change{testChange("an-1")})
	if err != nil {
		t.Fatalf("ExecuteForDataType failed: %v", err)
	}
	if res.ItemsProcessed != 0 || res.Buffered != 1 {
		t.Errorf("expected buffering via batched strategy, got %+v", res)
	}

	// Unbound type falls back to the first registered strategy (optimistic).
	res, err = reg.ExecuteForDataType(context.Background(), model.EntityAttendance, []model.Change{testChange("a-1")})
	if err != nil {
		t.Fatalf("ExecuteForDataType failed: %v", err)
	}
	if res.ItemsProcessed != 1 {
		t.Errorf("expected default strategy to enqueue, got %+v", res)
	}
}

func TestOptimistic_EnqueuesHighAndAppliesLocally(t *testing.T) {
	s := &sink{}
	var applied atomic.Int32
	o := NewOptimistic(s,
		func(model.Change) error { applied.Add(1); return nil },
		nil)

	res, err := o.Execute(context.Background(), []model.Change{testChange("a-1"), testChange("a-2")})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ItemsProcessed != 2 {
		t.Errorf("expected 2 processed, got %d", res.ItemsProcessed)
	}
	if applied.Load() != 2 {
		t.Errorf("expected 2 local applies, got %d", applied.Load())
	}
	for _, e := range s.entries {
		if e.priority != model.PriorityHigh {
			t.Errorf("optimistic must enqueue at high priority, got %s", e.priority)
		}
	}
}

func TestOptimistic_RollbackOnlyOnFailure(t *testing.T) {
	s := &sink{}
	var rolledBack atomic.Int32
	o := NewOptimistic(s, nil,
		func(model.Change) error { rolledBack.Add(1); return nil })

	ok := testChange("a-ok")
	bad := testChange("a-bad")
	if _, err := o.Execute(context.Background(), []model.Change{ok, bad}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Success path: no rollback.
	o.ConfirmSuccess(ok)
	o.HandleFailure(ok)
	if rolledBack.Load() != 0 {
		t.Error("rollback ran for a confirmed-successful change")
	}

	// Failure path: rollback runs exactly once.
	o.HandleFailure(bad)
	o.HandleFailure(bad)
	if rolledBack.Load() != 1 {
		t.Errorf("expected exactly 1 rollback, got %d", rolledBack.Load())
	}
}

func TestLazy_DefersAndDoublesBackoff(t *testing.T) {
	s := &sink{}
	online := atomic.Bool{}

	l := NewLazy(s, online.Load, 10*time.Millisecond, 80*time.Millisecond)
	defer l.Stop()

	res, err := l.Execute(context.Background(), []model.Change{testChange("a-1")})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Deferred || res.Buffered != 1 {
		t.Fatalf("expected deferral, got %+v", res)
	}
	if got := l.Backoff(); got != 20*time.Millisecond {
		t.Errorf("expected backoff doubled to 20ms, got %s", got)
	}

	// Stay offline: window keeps doubling up to the 80ms ceiling.
	deadline := time.After(2 * time.Second)
	for l.Backoff() != 80*time.Millisecond {
		select {
		case <-deadline:
			t.Fatalf("backoff never reached ceiling, at %s", l.Backoff())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Going online lets the scheduled retry dispatch and reset the window.
	online.Store(true)
	deadline = time.After(2 * time.Second)
	for s.len() != 1 {
		select {
		case <-deadline:
			t.Fatal("buffered change never dispatched after readiness")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if got := l.Backoff(); got != 10*time.Millisecond {
		t.Errorf("expected backoff reset to base after success, got %s", got)
	}
}

func TestLazy_ImmediateWhenReady(t *testing.T) {
	s := &sink{}
	l := NewLazy(s, func() bool { return true }, time.Second, time.Minute)
	defer l.Stop()

	res, err := l.Execute(context.Background(), []model.Change{testChange("a-1")})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ItemsProcessed != 1 || res.Deferred {
		t.Errorf("expected immediate dispatch, got %+v", res)
	}
}

func TestPriorityRule_FirstMatchWins(t *testing.T) {
	s := &sink{}
	p := NewPriorityRule(s, []Rule{
		{
			Name:     "attendance is urgent",
			Match:    func(c model.Change) bool { return c.EntityType == model.EntityAttendance },
			Priority: model.PriorityHigh,
		},
		{
			Name:     "everything attendance-ish is low", // never reached for attendance
			Match:    func(c model.Change) bool { return c.EntityType == model.EntityAttendance },
			Priority: model.PriorityLow,
		},
	}, model.PriorityLow)

	att := testChange("a-1")
	emp := model.Change{EntityType: model.EntityEmployee, EntityID: "e-1", Op: model.OpDelete}

	if _, err := p.Execute(context.Background(), []model.Change{att, emp}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if s.entries[0].priority != model.PriorityHigh {
		t.Errorf("first rule should win for attendance, got %s", s.entries[0].priority)
	}
	if s.entries[1].priority != model.PriorityLow {
		t.Errorf("catch-all should assign low to employee, got %s", s.entries[1].priority)
	}
}

func TestBatched_SizeThreshold(t *testing.T) {
	s := &sink{}
	b := NewBatched(s, 10, time.Hour)
	defer b.Stop()

	// 7 items: under both thresholds, nothing processed.
	var batch []model.Change
	for i := 0; i < 7; i++ {
		batch = append(batch, testChange("a-1"))
	}
	res, err := b.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ItemsProcessed != 0 || res.Buffered != 7 {
		t.Errorf("expected 0 processed / 7 buffered, got %+v", res)
	}

	// An 8th item still does not trigger a flush.
	res, _ = b.Execute(context.Background(), []model.Change{testChange("a-2")})
	if res.ItemsProcessed != 0 || res.Buffered != 8 {
		t.Errorf("expected 0 processed / 8 buffered, got %+v", res)
	}

	// Items 9 and 10 reach maxBatchSize: everything flushes.
	res, _ = b.Execute(context.Background(), []model.Change{testChange("a-3"), testChange("a-4")})
	if res.ItemsProcessed != 10 {
		t.Errorf("expected flush of 10 at size threshold, got %+v", res)
	}
	if s.len() != 10 {
		t.Errorf("expected 10 enqueued, got %d", s.len())
	}
}

func TestBatched_TimerFlush(t *testing.T) {
	s := &sink{}
	b := NewBatched(s, 100, 20*time.Millisecond)
	defer b.Stop()

	if _, err := b.Execute(context.Background(), []model.Change{testChange("a-1")}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.len() != 1 {
		select {
		case <-deadline:
			t.Fatal("timer flush never fired")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestBatched_EmptyFlushIsNoOpSuccess(t *testing.T) {
	s := &sink{}
	b := NewBatched(s, 10, time.Hour)
	defer b.Stop()

	res, err := b.Flush()
	if err != nil {
		t.Errorf("empty flush must succeed, got %v", err)
	}
	if res.ItemsProcessed != 0 {
		t.Errorf("empty flush processed %d items", res.ItemsProcessed)
	}
}

func TestBatched_EnqueueFailureKeepsRemainder(t *testing.T) {
	s := &sink{fail: errors.New("store down")}
	b := NewBatched(s, 2, time.Hour)
	defer b.Stop()

	_, err := b.Execute(context.Background(), []model.Change{testChange("a-1"), testChange("a-2")})
	if err == nil {
		t.Fatal("expected enqueue failure to propagate")
	}
	if b.Buffered() != 2 {
		t.Errorf("failed batch should be re-buffered, got %d", b.Buffered())
	}
}
