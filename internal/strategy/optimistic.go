package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// NameOptimistic is the registry name of the optimistic strategy.
const NameOptimistic = "optimistic"

// Optimistic enqueues immediately at high priority and applies the change to
// local state as if the push will succeed. A rollback action is registered
// per entity and invoked only if the eventual push fails for good.
type Optimistic struct {
	enq      Enqueuer
	apply    func(model.Change) error
	rollback func(model.Change) error

	mu      sync.Mutex
	applied map[string]model.Change
}

// NewOptimistic creates the strategy. apply updates local state ahead of the
// push; rollback undoes it. Either may be nil when local state is managed
// elsewhere.
func NewOptimistic(enq Enqueuer, apply, rollback func(model.Change) error) *Optimistic {
	return &Optimistic{
		enq:      enq,
		apply:    apply,
		rollback: rollback,
		applied:  make(map[string]model.Change),
	}
}

// Name returns the registry name.
func (o *Optimistic) Name() string { return NameOptimistic }

// Execute enqueues every change at high priority and optimistically applies
// it locally.
func (o *Optimistic) Execute(ctx context.Context, changes []model.Change) (Result, error) {
	processed := 0
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return Result{ItemsProcessed: processed}, err
		}

		if o.apply != nil {
			if err := o.apply(change); err != nil {
				return Result{ItemsProcessed: processed},
					fmt.Errorf("optimistic apply failed for %s/%s: %w", change.EntityType, change.EntityID, err)
			}
		}

		if err := o.enq.Enqueue(change, model.PriorityHigh); err != nil {
			// Local state already moved; undo before reporting.
			if o.rollback != nil {
				_ = o.rollback(change)
			}
			return Result{ItemsProcessed: processed},
				fmt.Errorf("optimistic enqueue failed for %s/%s: %w", change.EntityType, change.EntityID, err)
		}

		o.mu.Lock()
		o.applied[changeKey(change)] = change
		o.mu.Unlock()
		processed++
	}

	return Result{
		ItemsProcessed: processed,
		Message:        fmt.Sprintf("enqueued %d change(s) at high priority", processed),
	}, nil
}

// HandleFailure rolls back the optimistic local apply for a change whose push
// ultimately failed.
func (o *Optimistic) HandleFailure(change model.Change) {
	key := changeKey(change)

	o.mu.Lock()
	applied, ok := o.applied[key]
	delete(o.applied, key)
	o.mu.Unlock()

	if !ok || o.rollback == nil {
		return
	}

	if err := o.rollback(applied); err != nil {
		logging.Error("optimistic rollback failed",
			logging.Entity(string(change.EntityType), change.EntityID),
			logging.Err(err),
		)
		return
	}
	logging.Info("rolled back optimistic local apply",
		logging.Entity(string(change.EntityType), change.EntityID),
	)
}

// ConfirmSuccess drops the retained rollback for a change that pushed
// successfully.
func (o *Optimistic) ConfirmSuccess(change model.Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.applied, changeKey(change))
}

func changeKey(c model.Change) string {
	return string(c.EntityType) + "/" + c.EntityID
}
