// Package queue holds pending local changes awaiting sync, ordered by
// priority then enqueue order, with bounded retries and a dead-letter space.
// Items are persisted through the local store so a restart never loses
// pending work.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
	"github.com/edgesync/edgesync/internal/store"
)

// Store key spaces.
const (
	pendingSpace    = "queue"
	deadLetterSpace = "deadletter"
)

// DefaultMaxAttempts is the retry ceiling before an item dead-letters.
const DefaultMaxAttempts = 5

// Item is one queued change.
type Item struct {
	// ID is the queue-unique item identifier.
	ID string `json:"id"`

	// Change is the local mutation to sync.
	Change model.Change `json:"change"`

	// Priority is the dispatch tier.
	Priority model.Priority `json:"priority"`

	// EnqueuedAt is when the item entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed sync attempts so far.
	Attempts int `json:"attempts"`

	// Seq preserves enqueue order within a priority tier.
	Seq int64 `json:"seq"`
}

// Filter narrows which items a listing returns.
type Filter struct {
	// Priority, when set, restricts to one tier.
	Priority model.Priority

	// EntityType, when set, restricts to one record type.
	EntityType model.EntityType
}

// Queue is the pending-change queue.
type Queue struct {
	st          store.Store
	maxAttempts int

	mu      sync.Mutex
	pending map[string]*Item
	dead    map[string]*Item
	seq     int64
}

// New creates a queue over st, loading any persisted items. maxAttempts <= 0
// uses DefaultMaxAttempts.
func New(st store.Store, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &Queue{
		st:          st,
		maxAttempts: maxAttempts,
		pending:     make(map[string]*Item),
		dead:        make(map[string]*Item),
	}

	if err := q.load(pendingSpace, q.pending); err != nil {
		return nil, err
	}
	if err := q.load(deadLetterSpace, q.dead); err != nil {
		return nil, err
	}

	logging.Debug("queue loaded",
		logging.Operation("queue_load"),
		logging.Count(len(q.pending)),
		slog.Int("dead_letters", len(q.dead)),
	)
	return q, nil
}

// Enqueue validates and persists a change at the given priority.
func (q *Queue) Enqueue(change model.Change, priority model.Priority) (*Item, error) {
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("queue: invalid change: %w", err)
	}
	if !priority.IsValid() {
		priority = model.PriorityMedium
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &Item{
		ID:         fmt.Sprintf("qi-%d-%d", time.Now().UnixNano(), q.seq),
		Change:     change,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Seq:        q.seq,
	}

	if err := q.persist(pendingSpace, item); err != nil {
		return nil, err
	}
	q.pending[item.ID] = item

	logging.Debug("change enqueued",
		logging.Entity(string(change.EntityType), change.EntityID),
		logging.PriorityAttr(string(priority)),
	)
	return item, nil
}

// Items returns pending items matching filter, in dispatch order: priority
// tier first, enqueue order within a tier.
func (q *Queue) Items(filter Filter) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, 0, len(q.pending))
	for _, item := range q.pending {
		if filter.Priority != "" && item.Priority != filter.Priority {
			continue
		}
		if filter.EntityType != "" && item.Change.EntityType != filter.EntityType {
			continue
		}
		out = append(out, item)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Ack removes a successfully synced item.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[id]; !ok {
		return fmt.Errorf("queue: unknown item %s", id)
	}
	if err := q.st.Delete(pendingSpace, id); err != nil {
		return err
	}
	delete(q.pending, id)
	return nil
}

// Nack records a recoverable failure. The item is requeued with an
// incremented attempt count until the retry ceiling, then dead-lettered.
// Returns true when the item was dead-lettered.
func (q *Queue) Nack(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.pending[id]
	if !ok {
		return false, fmt.Errorf("queue: unknown item %s", id)
	}

	item.Attempts++
	if item.Attempts >= q.maxAttempts {
		return true, q.deadLetterLocked(item)
	}

	if err := q.persist(pendingSpace, item); err != nil {
		return false, err
	}
	return false, nil
}

// DeadLetter moves an item straight to the dead-letter space, used for
// permanent (non-retryable) failures.
func (q *Queue) DeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("queue: unknown item %s", id)
	}
	return q.deadLetterLocked(item)
}

// DeadLetters returns dead-lettered items, oldest first.
func (q *Queue) DeadLetters() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, 0, len(q.dead))
	for _, item := range q.dead {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Requeue moves a dead-lettered item back to pending with a reset attempt
// count.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.dead[id]
	if !ok {
		return fmt.Errorf("queue: unknown dead letter %s", id)
	}

	item.Attempts = 0
	if err := q.persist(pendingSpace, item); err != nil {
		return err
	}
	if err := q.st.Delete(deadLetterSpace, id); err != nil {
		return err
	}
	delete(q.dead, id)
	q.pending[item.ID] = item

	logging.Info("dead letter requeued",
		logging.Entity(string(item.Change.EntityType), item.Change.EntityID),
	)
	return nil
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// deadLetterLocked moves an item from pending to dead letters.
// Caller must hold q.mu.
func (q *Queue) deadLetterLocked(item *Item) error {
	if err := q.persist(deadLetterSpace, item); err != nil {
		return err
	}
	if err := q.st.Delete(pendingSpace, item.ID); err != nil {
		return err
	}
	delete(q.pending, item.ID)
	q.dead[item.ID] = item

	logging.Warn("item dead-lettered after retry ceiling",
		logging.Entity(string(item.Change.EntityType), item.Change.EntityID),
		slog.Int("attempts", item.Attempts),
	)
	return nil
}

// persist writes an item to the given key space.
func (q *Queue) persist(space string, item *Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: failed to encode item %s: %w", item.ID, err)
	}
	if err := q.st.Put(space, item.ID, raw); err != nil {
		return fmt.Errorf("queue: failed to persist item %s: %w", item.ID, err)
	}
	return nil
}

// load restores one key space into memory, advancing the sequence counter
// past every restored item.
func (q *Queue) load(space string, into map[string]*Item) error {
	values, err := q.st.GetAll(space)
	if err != nil {
		return fmt.Errorf("queue: failed to load %s: %w", space, err)
	}
	for id, raw := range values {
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			// Corrupted entry: drop it rather than wedge the queue.
			logging.Warn("dropping corrupted queue entry", slog.String("id", id), logging.Err(err))
			_ = q.st.Delete(space, id)
			continue
		}
		into[item.ID] = &item
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
	}
	return nil
}
