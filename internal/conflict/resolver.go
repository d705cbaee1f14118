package conflict

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// DefaultHistorySize bounds the retained resolved-conflict audit trail.
const DefaultHistorySize = 200

// ManualResolution is a human-supplied per-field resolution.
type ManualResolution struct {
	// ConflictID names the conflict being resolved.
	ConflictID string

	// Fields maps each diverged field to the value that should win.
	Fields map[string]json.RawMessage

	// ResolvedBy identifies the human, for the audit trail.
	ResolvedBy string
}

// Resolver records detected conflicts, applies resolution strategies, and
// keeps a bounded history of resolved conflicts for audit. Reads are safe
// concurrently with writes; resolving the same conflict twice is idempotent —
// the second call observes Resolved and returns false.
type Resolver struct {
	defaultStrategy ResolutionStrategy
	historySize     int

	mu      sync.RWMutex
	open    map[string]*Conflict
	history []*Conflict
	// seen counts conflicts recorded per entity key; repeat conflicts
	// escalate severity one step.
	seen map[string]int
	seq  int
}

// NewResolver creates a resolver. historySize <= 0 uses DefaultHistorySize;
// an invalid default strategy falls back to LastWriteWins.
func NewResolver(defaultStrategy ResolutionStrategy, historySize int) *Resolver {
	if !defaultStrategy.IsValid() || defaultStrategy == Manual {
		defaultStrategy = LastWriteWins
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Resolver{
		defaultStrategy: defaultStrategy,
		historySize:     historySize,
		open:            make(map[string]*Conflict),
		seen:            make(map[string]int),
	}
}

// Record registers a detected conflict and returns its assigned ID. Repeat
// conflicts for the same entity escalate severity one step.
func (r *Resolver) Record(c *Conflict) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(c.EntityType) + "/" + c.EntityID
	if r.seen[key] > 0 {
		c.Severity = c.Severity.escalate()
	}
	r.seen[key]++

	r.seq++
	c.ID = fmt.Sprintf("cf-%d", r.seq)
	c.DetectedAt = time.Now()
	r.open[c.ID] = c

	logging.Info("conflict recorded",
		logging.Entity(string(c.EntityType), c.EntityID),
		logging.Operation("record_conflict"),
		slog.String("conflict_id", c.ID),
		slog.String("severity", string(c.Severity)),
	)
	return c.ID
}

// Resolve applies strategy (or the resolver default when empty) to an open
// conflict. Returns the winning record and true on success; false when the
// conflict is unknown, already resolved, escalated, or the strategy is
// Manual/invalid.
func (r *Resolver) Resolve(id string, strategy ResolutionStrategy) (model.Record, bool) {
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if !strategy.IsValid() || strategy == Manual {
		return model.Record{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.open[id]
	if !ok || c.Resolved || c.Escalated {
		return model.Record{}, false
	}

	var result model.Record
	switch strategy {
	case LastWriteWins:
		result = lastWriteWins(c.Local, c.Remote)
	case Merge:
		result = merge(c.Local, c.Remote)
	}

	r.finishLocked(c, Resolution{Strategy: strategy, Result: result})
	return result, true
}

// ManualResolve applies an explicit per-field mapping. Fields not named in
// the request keep the remote (authoritative) value.
func (r *Resolver) ManualResolve(req ManualResolution) (model.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.open[req.ConflictID]
	if !ok || c.Resolved {
		return model.Record{}, false
	}

	result := cloneRecord(c.Remote)
	now := time.Now()
	for field, value := range req.Fields {
		result.Fields[field] = model.Field{Value: value, UpdatedAt: now}
	}
	result.UpdatedAt = now

	r.finishLocked(c, Resolution{
		Strategy:   Manual,
		Result:     result,
		ResolvedBy: req.ResolvedBy,
	})
	return result, true
}

// Escalate removes a conflict from automatic-resolution eligibility and flags
// it for out-of-band review. Returns false for unknown or resolved conflicts.
func (r *Resolver) Escalate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.open[id]
	if !ok || c.Resolved {
		return false
	}
	c.Escalated = true

	logging.Warn("conflict escalated for manual review",
		logging.Entity(string(c.EntityType), c.EntityID),
		slog.String("conflict_id", id),
	)
	return true
}

// Get returns a conflict by ID, open or resolved.
func (r *Resolver) Get(id string) (*Conflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.open[id]; ok {
		return c, true
	}
	for _, c := range r.history {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Open returns the unresolved conflicts, oldest first.
func (r *Resolver) Open() []*Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conflict, 0, len(r.open))
	for _, c := range r.open {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// History returns the resolved conflicts retained for audit, oldest first.
func (r *Resolver) History() []*Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conflict, len(r.history))
	copy(out, r.history)
	return out
}

// All returns open conflicts followed by resolved history.
func (r *Resolver) All() []*Conflict {
	open := r.Open()
	return append(open, r.History()...)
}

// Clear drops all open conflicts and the resolved history.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.open = make(map[string]*Conflict)
	r.history = nil
	logging.Info("conflicts cleared", logging.Operation("clear_conflicts"))
}

// finishLocked marks a conflict resolved and moves it into bounded history.
// Caller must hold r.mu.
func (r *Resolver) finishLocked(c *Conflict, res Resolution) {
	now := time.Now()
	c.Resolved = true
	c.Resolution = &res
	c.ResolvedAt = &now
	delete(r.open, c.ID)

	r.history = append(r.history, c)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}

	logging.Info("conflict resolved",
		logging.Entity(string(c.EntityType), c.EntityID),
		slog.String("conflict_id", c.ID),
		slog.String("strategy", string(res.Strategy)),
	)
}

// lastWriteWins picks the version with the later record timestamp; ties favor
// the remote side as the authoritative source.
func lastWriteWins(local, remote model.Record) model.Record {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return cloneRecord(local)
	}
	return cloneRecord(remote)
}

// merge combines non-overlapping field changes from both sides. Fields
// present on both sides with different values fall back to last-write-wins
// per field, ties to remote. Exact overlap policy is centralized in
// resolveField.
func merge(local, remote model.Record) model.Record {
	result := cloneRecord(remote)

	for name, lf := range local.Fields {
		rf, ok := result.Fields[name]
		if !ok {
			result.Fields[name] = lf
			continue
		}
		result.Fields[name] = resolveField(lf, rf)
	}

	// Recompute the record timestamp from the merged fields.
	result.UpdatedAt = time.Time{}
	for _, f := range result.Fields {
		if f.UpdatedAt.After(result.UpdatedAt) {
			result.UpdatedAt = f.UpdatedAt
		}
	}
	if remote.Version > local.Version {
		result.Version = remote.Version
	} else {
		result.Version = local.Version
	}
	return result
}

// resolveField settles one overlapping field write: later write wins, ties go
// to the remote value.
func resolveField(local, remote model.Field) model.Field {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}

// cloneRecord deep-copies a record so resolutions never alias conflict state.
func cloneRecord(r model.Record) model.Record {
	out := r
	out.Fields = make(map[string]model.Field, len(r.Fields))
	for name, f := range r.Fields {
		val := make(json.RawMessage, len(f.Value))
		copy(val, f.Value)
		out.Fields[name] = model.Field{Value: val, UpdatedAt: f.UpdatedAt}
	}
	return out
}
