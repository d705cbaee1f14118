package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// NameBatched is the registry name of the throttled/batched strategy.
const NameBatched = "batched"

// Batched accumulates changes in a buffer and flushes when the buffer reaches
// maxBatchSize or when throttleTime has elapsed since the last flush,
// whichever comes first. A flush with nothing buffered is a no-op success.
type Batched struct {
	enq          Enqueuer
	priority     model.Priority
	maxBatchSize int
	throttleTime time.Duration

	mu        sync.Mutex
	buffer    []model.Change
	lastFlush time.Time
	timer     *time.Timer
	closed    bool
}

// NewBatched creates the strategy.
func NewBatched(enq Enqueuer, maxBatchSize int, throttleTime time.Duration) *Batched {
	if maxBatchSize <= 0 {
		maxBatchSize = 50
	}
	if throttleTime <= 0 {
		throttleTime = 30 * time.Second
	}
	return &Batched{
		enq:          enq,
		priority:     model.PriorityLow,
		maxBatchSize: maxBatchSize,
		throttleTime: throttleTime,
		lastFlush:    time.Now(),
	}
}

// Name returns the registry name.
func (b *Batched) Name() string { return NameBatched }

// Execute buffers the changes and flushes only when a threshold is crossed.
func (b *Batched) Execute(ctx context.Context, changes []model.Change) (Result, error) {
	b.mu.Lock()
	b.buffer = append(b.buffer, changes...)

	sizeReached := len(b.buffer) >= b.maxBatchSize
	timeElapsed := time.Since(b.lastFlush) >= b.throttleTime

	if !sizeReached && !timeElapsed {
		b.armTimerLocked()
		buffered := len(b.buffer)
		b.mu.Unlock()
		return Result{
			Buffered: buffered,
			Message:  fmt.Sprintf("buffered, %d of %d until size flush", buffered, b.maxBatchSize),
		}, nil
	}
	b.mu.Unlock()

	return b.Flush()
}

// Flush enqueues everything buffered. An empty flush succeeds with zero items
// processed.
func (b *Batched) Flush() (Result, error) {
	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.lastFlush = time.Now()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return Result{Message: "nothing to flush"}, nil
	}

	processed := 0
	for _, change := range batch {
		if err := b.enq.Enqueue(change, b.priority); err != nil {
			b.mu.Lock()
			b.buffer = append(batch[processed:], b.buffer...)
			b.mu.Unlock()
			return Result{ItemsProcessed: processed, Buffered: len(batch) - processed},
				fmt.Errorf("batched enqueue failed: %w", err)
		}
		processed++
	}

	logging.Debug("batch flushed",
		logging.StrategyAttr(NameBatched),
		logging.Count(processed),
	)
	return Result{
		ItemsProcessed: processed,
		Message:        fmt.Sprintf("flushed %d change(s)", processed),
	}, nil
}

// Buffered returns the number of changes awaiting flush.
func (b *Batched) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Stop cancels the pending timer flush. Buffered changes stay buffered.
func (b *Batched) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// armTimerLocked schedules a time-based flush for when throttleTime will have
// elapsed. Caller must hold b.mu.
func (b *Batched) armTimerLocked() {
	if b.closed || b.timer != nil {
		return
	}
	remaining := b.throttleTime - time.Since(b.lastFlush)
	if remaining < 0 {
		remaining = 0
	}
	b.timer = time.AfterFunc(remaining, func() {
		_, _ = b.Flush()
	})
}
