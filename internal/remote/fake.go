package remote

import (
	"context"
	"sync"

	"github.com/edgesync/edgesync/internal/model"
)

// Fake is an in-memory Backend for tests. Failures can be scripted per entity
// id; unscripted calls succeed and bump the stored version.
type Fake struct {
	mu       sync.Mutex
	records  map[string]model.Record
	failures map[string][]error
	pushes   int
	pings    int
	PingErr  error
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		records:  make(map[string]model.Record),
		failures: make(map[string][]error),
	}
}

// FailNext queues errors to be returned (in order) by upcoming Push/Pull calls
// for the given entity id.
func (f *Fake) FailNext(entityID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[entityID] = append(f.failures[entityID], errs...)
}

// Seed places a record into the fake's remote state without a push.
func (f *Fake) Seed(rec model.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Key()] = rec
}

// Pushes returns the number of Push calls observed.
func (f *Fake) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// Pings returns the number of Ping calls observed.
func (f *Fake) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// Push stores the record and returns it with an incremented version.
func (f *Fake) Push(ctx context.Context, rec model.Record) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pushes++
	if err := f.nextFailure(rec.EntityID); err != nil {
		return model.Record{}, err
	}

	if existing, ok := f.records[rec.Key()]; ok {
		rec.Version = existing.Version + 1
	} else {
		rec.Version = 1
	}
	f.records[rec.Key()] = rec
	return rec, nil
}

// Pull returns the stored record or ErrNotFound.
func (f *Fake) Pull(ctx context.Context, entityType model.EntityType, entityID string) (model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure(entityID); err != nil {
		return model.Record{}, err
	}
	rec, ok := f.records[string(entityType)+"/"+entityID]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec, nil
}

// Delete removes the stored record.
func (f *Fake) Delete(ctx context.Context, entityType model.EntityType, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.nextFailure(entityID); err != nil {
		return err
	}
	delete(f.records, string(entityType)+"/"+entityID)
	return nil
}

// Ping returns PingErr if set.
func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.PingErr
}

// nextFailure pops the next scripted failure for entityID, if any.
// Caller must hold f.mu.
func (f *Fake) nextFailure(entityID string) error {
	queue := f.failures[entityID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[entityID] = queue[1:]
	return err
}
