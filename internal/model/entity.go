// Package model defines the record and change types shared across edgesync.
package model

// EntityType identifies the logical record type a change belongs to.
type EntityType string

const (
	// EntityAttendance is a clock-in/clock-out attendance record.
	EntityAttendance EntityType = "attendance"

	// EntityEmployee is an employee master record.
	EntityEmployee EntityType = "employee"

	// EntityLeave is a leave/absence request record.
	EntityLeave EntityType = "leave"

	// EntityAnalytics is an aggregated analytics datapoint.
	EntityAnalytics EntityType = "analytics"
)

// IsValid returns true if the entity type is recognized.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityAttendance, EntityEmployee, EntityLeave, EntityAnalytics:
		return true
	default:
		return false
	}
}

// AllEntityTypes returns all supported entity types.
func AllEntityTypes() []EntityType {
	return []EntityType{EntityAttendance, EntityEmployee, EntityLeave, EntityAnalytics}
}

// String returns the string representation of the entity type.
func (e EntityType) String() string {
	return string(e)
}

// Priority is the urgency tier of a queued change.
type Priority string

const (
	// PriorityHigh items are dispatched before all others.
	PriorityHigh Priority = "high"

	// PriorityMedium is the default tier.
	PriorityMedium Priority = "medium"

	// PriorityLow items are dispatched only after higher tiers drain.
	PriorityLow Priority = "low"
)

// IsValid returns true if the priority is recognized.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the dispatch order of the priority; lower ranks dispatch first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}
