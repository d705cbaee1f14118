// Package conflict detects and resolves divergence between local and remote
// versions of the same record.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgesync/edgesync/internal/model"
)

// Severity classifies how much a conflict matters.
type Severity string

const (
	// SeverityLow conflicts touch only informational fields.
	SeverityLow Severity = "low"

	// SeverityMedium is the default for data-field divergence.
	SeverityMedium Severity = "medium"

	// SeverityHigh conflicts touch financial or approval fields.
	SeverityHigh Severity = "high"

	// SeverityCritical is reserved for repeat high-severity conflicts.
	SeverityCritical Severity = "critical"
)

// escalate bumps a severity one step.
func (s Severity) escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Rank orders severities; higher means worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Category names the class of fields a conflict touches.
type Category string

const (
	// CategoryData covers ordinary record fields.
	CategoryData Category = "data"

	// CategoryFinancial covers salary/amount/rate fields.
	CategoryFinancial Category = "financial"

	// CategoryApproval covers approval-workflow fields.
	CategoryApproval Category = "approval"
)

// FieldDiff is one divergent field with both sides' values and write times.
type FieldDiff struct {
	Field           string          `json:"field"`
	Local           json.RawMessage `json:"local"`
	Remote          json.RawMessage `json:"remote"`
	LocalUpdatedAt  time.Time       `json:"local_updated_at"`
	RemoteUpdatedAt time.Time       `json:"remote_updated_at"`
}

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	// LastWriteWins picks the version with the later timestamp per field;
	// ties favor the remote (authoritative) side.
	LastWriteWins ResolutionStrategy = "last-write-wins"

	// Merge combines non-overlapping field changes from both sides;
	// overlapping fields fall back to last-write-wins per field.
	Merge ResolutionStrategy = "merge"

	// Manual applies an explicit per-field mapping supplied by a human.
	Manual ResolutionStrategy = "manual"
)

// IsValid returns true if the strategy is recognized.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case LastWriteWins, Merge, Manual:
		return true
	default:
		return false
	}
}

// Resolution records how a conflict was settled.
type Resolution struct {
	// Strategy is how the winning record was derived.
	Strategy ResolutionStrategy `json:"strategy"`

	// Result is the record that won.
	Result model.Record `json:"result"`

	// ResolvedBy names the human for manual resolutions, empty otherwise.
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Conflict is a detected divergence between a local and remote version of the
// same record. Once resolved it is immutable; re-detection of the same entity
// creates a new Conflict for the audit trail.
type Conflict struct {
	ID         string           `json:"id"`
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Local      model.Record     `json:"local"`
	Remote     model.Record     `json:"remote"`
	FieldDiffs []FieldDiff      `json:"field_diffs"`
	Severity   Severity         `json:"severity"`
	Category   Category         `json:"category"`
	Resolved   bool             `json:"resolved"`
	Escalated  bool             `json:"escalated"`
	Resolution *Resolution      `json:"resolution,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// Summary returns a brief description of the conflict.
func (c *Conflict) Summary() string {
	return fmt.Sprintf("%s/%s: %d field(s) diverged (%s, %s)",
		c.EntityType, c.EntityID, len(c.FieldDiffs), c.Severity, c.Category)
}

// Fields returns the names of the diverged fields.
func (c *Conflict) Fields() []string {
	names := make([]string, len(c.FieldDiffs))
	for i, d := range c.FieldDiffs {
		names[i] = d.Field
	}
	return names
}
