package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field is a single record field with its most-recent-write timestamp.
// Per-field timestamps are the input to conflict detection: two versions of a
// record diverge on a field when both the values and the write times disagree.
type Field struct {
	// Value is the field value as a JSON-compatible scalar or structure.
	Value json.RawMessage `json:"value"`

	// UpdatedAt is when this field was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewField marshals v into a Field stamped at ts.
func NewField(v any, ts time.Time) (Field, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Field{}, fmt.Errorf("failed to encode field value: %w", err)
	}
	return Field{Value: raw, UpdatedAt: ts}, nil
}

// Equal reports whether two field values are byte-identical after encoding.
func (f Field) Equal(other Field) bool {
	return string(f.Value) == string(other.Value)
}

// Record is one versioned copy of a logical entity, local or remote.
type Record struct {
	// EntityType is the logical record type.
	EntityType EntityType `json:"entity_type"`

	// EntityID identifies the record within its type.
	EntityID string `json:"entity_id"`

	// Fields holds the record body keyed by field name.
	Fields map[string]Field `json:"fields"`

	// UpdatedAt is the most recent write across all fields.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is a monotonic revision counter assigned by the remote store.
	Version int64 `json:"version"`
}

// Key returns the store key for the record.
func (r Record) Key() string {
	return fmt.Sprintf("%s/%s", r.EntityType, r.EntityID)
}

// SetField writes a field value stamped at ts and bumps UpdatedAt.
func (r *Record) SetField(name string, v any, ts time.Time) error {
	f, err := NewField(v, ts)
	if err != nil {
		return err
	}
	if r.Fields == nil {
		r.Fields = make(map[string]Field)
	}
	r.Fields[name] = f
	if ts.After(r.UpdatedAt) {
		r.UpdatedAt = ts
	}
	return nil
}

// FieldNames returns the record's field names in unspecified order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	return names
}

// Op is the kind of mutation a change carries.
type Op string

const (
	// OpPut creates or updates a record.
	OpPut Op = "put"

	// OpDelete removes a record.
	OpDelete Op = "delete"
)

// Change is a local mutation waiting to be synced to the remote store.
type Change struct {
	// EntityType is the logical record type.
	EntityType EntityType `json:"entity_type"`

	// EntityID identifies the record within its type.
	EntityID string `json:"entity_id"`

	// Op is the mutation kind.
	Op Op `json:"op"`

	// Record is the post-mutation local state. Empty for OpDelete.
	Record Record `json:"record"`
}

// Validate checks the change for structural problems before enqueueing.
func (c Change) Validate() error {
	if !c.EntityType.IsValid() {
		return fmt.Errorf("unknown entity type: %s", c.EntityType)
	}
	if c.EntityID == "" {
		return fmt.Errorf("change for %s has empty entity id", c.EntityType)
	}
	if c.Op != OpPut && c.Op != OpDelete {
		return fmt.Errorf("unknown change op: %s", c.Op)
	}
	if c.Op == OpPut && len(c.Record.Fields) == 0 {
		return fmt.Errorf("put change for %s/%s has no fields", c.EntityType, c.EntityID)
	}
	return nil
}
