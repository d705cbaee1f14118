package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// NameLazy is the registry name of the lazy strategy.
const NameLazy = "lazy"

// Lazy delays dispatch behind a readiness condition (typically "currently
// online"). Each time the condition is false at dispatch time the backoff
// window doubles, up to a ceiling; a successful dispatch resets it to the
// base delay.
type Lazy struct {
	enq      Enqueuer
	ready    func() bool
	priority model.Priority
	base     time.Duration
	max      time.Duration

	mu      sync.Mutex
	current time.Duration
	buffer  []model.Change
	timer   *time.Timer
	closed  bool
}

// NewLazy creates the strategy. base is the initial dispatch delay; max caps
// the doubling.
func NewLazy(enq Enqueuer, ready func() bool, base, max time.Duration) *Lazy {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Lazy{
		enq:      enq,
		ready:    ready,
		priority: model.PriorityLow,
		base:     base,
		max:      max,
		current:  base,
	}
}

// Name returns the registry name.
func (l *Lazy) Name() string { return NameLazy }

// Execute buffers the changes and attempts dispatch. When the readiness
// condition is false the batch is deferred by the current backoff window,
// which doubles for the next deferral.
func (l *Lazy) Execute(ctx context.Context, changes []model.Change) (Result, error) {
	l.mu.Lock()
	l.buffer = append(l.buffer, changes...)
	l.mu.Unlock()

	return l.dispatch()
}

// Backoff returns the current backoff window, mainly for observability.
func (l *Lazy) Backoff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Stop cancels any scheduled retry. Buffered changes stay buffered.
func (l *Lazy) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// dispatch enqueues the buffer if ready, otherwise schedules a retry after
// the current window and doubles it.
func (l *Lazy) dispatch() (Result, error) {
	l.mu.Lock()

	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return Result{Message: "nothing buffered"}, nil
	}

	if !l.ready() {
		window := l.current
		l.current = minDuration(l.current*2, l.max)
		l.scheduleLocked(window)
		buffered := len(l.buffer)
		l.mu.Unlock()

		logging.Debug("lazy dispatch deferred",
			logging.StrategyAttr(NameLazy),
			slog.Duration("retry_in", window),
			logging.Count(buffered),
		)
		return Result{
			Buffered: buffered,
			Deferred: true,
			Message:  fmt.Sprintf("not ready, retrying in %s", window),
		}, nil
	}

	batch := l.buffer
	l.buffer = nil
	l.current = l.base // success resets the window
	l.mu.Unlock()

	processed := 0
	for _, change := range batch {
		if err := l.enq.Enqueue(change, l.priority); err != nil {
			// Put the rest back for the next attempt.
			l.mu.Lock()
			l.buffer = append(batch[processed:], l.buffer...)
			l.mu.Unlock()
			return Result{ItemsProcessed: processed, Buffered: len(batch) - processed},
				fmt.Errorf("lazy enqueue failed: %w", err)
		}
		processed++
	}

	return Result{
		ItemsProcessed: processed,
		Message:        fmt.Sprintf("dispatched %d deferred change(s)", processed),
	}, nil
}

// scheduleLocked arms the retry timer. Caller must hold l.mu.
func (l *Lazy) scheduleLocked(after time.Duration) {
	if l.closed {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(after, func() {
		_, _ = l.dispatch()
	})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
