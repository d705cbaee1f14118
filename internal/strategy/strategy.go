// Package strategy implements the policies deciding when and how urgently a
// local change is enqueued for sync. Strategies are data-type-addressable so
// calling code never needs to know the underlying policy.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// Enqueuer is the sink strategies place eligible changes into. The pending
// queue satisfies this.
type Enqueuer interface {
	Enqueue(change model.Change, priority model.Priority) error
}

// EnqueuerFunc adapts a function to the Enqueuer interface.
type EnqueuerFunc func(change model.Change, priority model.Priority) error

// Enqueue calls the wrapped function.
func (f EnqueuerFunc) Enqueue(change model.Change, priority model.Priority) error {
	return f(change, priority)
}

// Result reports what a strategy execution did.
type Result struct {
	// ItemsProcessed is how many changes were enqueued by this call.
	ItemsProcessed int

	// Buffered is how many changes are held back awaiting a later flush.
	Buffered int

	// Deferred is true when dispatch was postponed (lazy backoff).
	Deferred bool

	// Message describes what happened, for logs and CLI output.
	Message string
}

// Strategy decides when a batch of changes becomes eligible for transmission.
type Strategy interface {
	// Name returns the registry name of the strategy.
	Name() string

	// Execute processes a batch of changes per the strategy's policy.
	Execute(ctx context.Context, changes []model.Change) (Result, error)
}

// failureHandler is implemented by strategies that react to a change
// ultimately failing to push (after retries).
type failureHandler interface {
	HandleFailure(change model.Change)
}

// Registry holds named strategies and data-type bindings.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	bindings   map[model.EntityType]string
	def        string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		bindings:   make(map[model.EntityType]string),
	}
}

// Register adds a strategy under its name. The first registered strategy
// becomes the default for unbound data types.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.strategies[s.Name()] = s
	if r.def == "" {
		r.def = s.Name()
	}
}

// Bind routes an entity type to a named strategy.
func (r *Registry) Bind(entityType model.EntityType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.strategies[name]; !ok {
		return fmt.Errorf("strategy: unknown strategy %q", name)
	}
	r.bindings[entityType] = name
	return nil
}

// Execute runs the named strategy over changes.
func (r *Registry) Execute(ctx context.Context, name string, changes []model.Change) (Result, error) {
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("strategy: unknown strategy %q", name)
	}

	logging.Debug("executing strategy",
		logging.StrategyAttr(name),
		logging.Count(len(changes)),
	)
	return s.Execute(ctx, changes)
}

// ExecuteForDataType runs the strategy bound to the entity type, falling back
// to the default strategy when unbound.
func (r *Registry) ExecuteForDataType(ctx context.Context, entityType model.EntityType, changes []model.Change) (Result, error) {
	r.mu.RLock()
	name, ok := r.bindings[entityType]
	if !ok {
		name = r.def
	}
	r.mu.RUnlock()

	if name == "" {
		return Result{}, fmt.Errorf("strategy: no strategy registered for %s", entityType)
	}
	return r.Execute(ctx, name, changes)
}

// NotifyFailure tells every interested strategy that a change ultimately
// failed to push. Used by the orchestrator to trigger optimistic rollbacks.
func (r *Registry) NotifyFailure(change model.Change) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.strategies {
		if h, ok := s.(failureHandler); ok {
			h.HandleFailure(change)
		}
	}
}

// Names returns the registered strategy names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}
