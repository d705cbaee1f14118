package conflict

import (
	"log/slog"
	"sort"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// Field classes that escalate severity. Keyed by field name as stored in the
// record body.
var (
	financialFields = map[string]bool{
		"salary": true,
		"amount": true,
		"rate":   true,
	}
	approvalFields = map[string]bool{
		"approved":    true,
		"approved_by": true,
		"status":      true,
	}
)

// Detector performs structural comparison of local and remote record
// versions. Detection is pure: it returns a value and records nothing;
// recording is the Resolver's job.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect compares two versions of the same entity and returns a Conflict when
// they diverge, or nil. A field counts as diverged when both its values and
// its most-recent-write timestamps disagree.
func (d *Detector) Detect(local, remote model.Record) *Conflict {
	diffs := d.fieldDiffs(local, remote)
	if len(diffs) == 0 {
		logging.Debug("no divergence detected",
			logging.Entity(string(local.EntityType), local.EntityID),
			logging.Operation("detect"),
		)
		return nil
	}

	c := &Conflict{
		EntityType: local.EntityType,
		EntityID:   local.EntityID,
		Local:      local,
		Remote:     remote,
		FieldDiffs: diffs,
	}
	c.Severity, c.Category = classify(diffs)

	logging.Debug("conflict detected",
		logging.Entity(string(local.EntityType), local.EntityID),
		logging.Operation("detect"),
		logging.Count(len(diffs)),
		slog.String("severity", string(c.Severity)),
	)
	return c
}

// fieldDiffs collects divergent fields across both versions, in stable field
// order.
func (d *Detector) fieldDiffs(local, remote model.Record) []FieldDiff {
	names := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	for name := range local.Fields {
		names[name] = true
	}
	for name := range remote.Fields {
		names[name] = true
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var diffs []FieldDiff
	for _, name := range ordered {
		lf, lok := local.Fields[name]
		rf, rok := remote.Fields[name]

		switch {
		case lok && rok:
			if lf.Equal(rf) {
				continue
			}
			// Same write time with different values still diverges; the tie
			// is settled at resolution, not here.
			diffs = append(diffs, FieldDiff{
				Field:           name,
				Local:           lf.Value,
				Remote:          rf.Value,
				LocalUpdatedAt:  lf.UpdatedAt,
				RemoteUpdatedAt: rf.UpdatedAt,
			})
		case lok:
			diffs = append(diffs, FieldDiff{
				Field:          name,
				Local:          lf.Value,
				LocalUpdatedAt: lf.UpdatedAt,
			})
		case rok:
			diffs = append(diffs, FieldDiff{
				Field:           name,
				Remote:          rf.Value,
				RemoteUpdatedAt: rf.UpdatedAt,
			})
		}
	}
	return diffs
}

// classify derives severity and category from which fields diverged.
func classify(diffs []FieldDiff) (Severity, Category) {
	severity := SeverityLow
	category := CategoryData

	for _, d := range diffs {
		switch {
		case financialFields[d.Field]:
			severity = SeverityHigh
			category = CategoryFinancial
		case approvalFields[d.Field]:
			if severity.Rank() < SeverityHigh.Rank() {
				severity = SeverityHigh
				category = CategoryApproval
			}
		default:
			if severity.Rank() < SeverityMedium.Rank() {
				severity = SeverityMedium
			}
		}
	}
	return severity, category
}
