package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Typed payloads give each entity type a concrete shape. Records travel as
// field maps so per-field write times survive; these types are the decoded
// view callers work with.

// AttendancePayload is the decoded body of an attendance record.
type AttendancePayload struct {
	EmployeeID string    `json:"employee_id"`
	ClockIn    time.Time `json:"clock_in"`
	ClockOut   time.Time `json:"clock_out,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// EmployeePayload is the decoded body of an employee master record.
type EmployeePayload struct {
	Name       string  `json:"name"`
	Department string  `json:"department,omitempty"`
	Salary     float64 `json:"salary,omitempty"`
	Active     bool    `json:"active"`
}

// LeavePayload is the decoded body of a leave request record.
type LeavePayload struct {
	EmployeeID string    `json:"employee_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approved_by,omitempty"`
}

// AnalyticsPayload is the decoded body of an analytics datapoint.
type AnalyticsPayload struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Period string  `json:"period,omitempty"`
}

// Payload is implemented by all decoded entity bodies.
type Payload interface {
	entityType() EntityType
}

func (AttendancePayload) entityType() EntityType { return EntityAttendance }
func (EmployeePayload) entityType() EntityType   { return EntityEmployee }
func (LeavePayload) entityType() EntityType      { return EntityLeave }
func (AnalyticsPayload) entityType() EntityType  { return EntityAnalytics }

// DecodePayload decodes a record's fields into the typed payload for its
// entity type. Dispatch is a switch over the type tag.
func DecodePayload(r Record) (Payload, error) {
	switch r.EntityType {
	case EntityAttendance:
		var p AttendancePayload
		return p, decodeFields(r, &p)
	case EntityEmployee:
		var p EmployeePayload
		return p, decodeFields(r, &p)
	case EntityLeave:
		var p LeavePayload
		return p, decodeFields(r, &p)
	case EntityAnalytics:
		var p AnalyticsPayload
		return p, decodeFields(r, &p)
	default:
		return nil, fmt.Errorf("unknown entity type: %s", r.EntityType)
	}
}

// EncodePayload builds a record from a typed payload, stamping every field
// at ts.
func EncodePayload(entityID string, p Payload, ts time.Time) (Record, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return Record{}, fmt.Errorf("failed to flatten payload: %w", err)
	}

	rec := Record{
		EntityType: p.entityType(),
		EntityID:   entityID,
		Fields:     make(map[string]Field, len(flat)),
		UpdatedAt:  ts,
	}
	for name, value := range flat {
		rec.Fields[name] = Field{Value: value, UpdatedAt: ts}
	}
	return rec, nil
}

// decodeFields reassembles a field map into a flat JSON object and decodes it
// into dst.
func decodeFields(r Record, dst any) error {
	flat := make(map[string]json.RawMessage, len(r.Fields))
	for name, f := range r.Fields {
		flat[name] = f.Value
	}
	raw, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("failed to assemble fields for %s: %w", r.Key(), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", r.EntityType, err)
	}
	return nil
}
