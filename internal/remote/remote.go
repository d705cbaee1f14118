// Package remote defines the contract for the authoritative backend store and
// the error taxonomy sync failure handling is built on.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgesync/edgesync/internal/model"
)

// ErrNotFound is returned by Pull when the entity does not exist remotely.
var ErrNotFound = errors.New("remote: entity not found")

// Backend is the remote authoritative data service. Push returns the
// authoritative current version of the entity, which the orchestrator compares
// against the pre-push local snapshot for conflict detection.
type Backend interface {
	// Push writes a record and returns the authoritative version after the
	// write. A structured Error distinguishes transient from permanent
	// rejections.
	Push(ctx context.Context, rec model.Record) (model.Record, error)

	// Pull reads the authoritative version of an entity.
	Pull(ctx context.Context, entityType model.EntityType, entityID string) (model.Record, error)

	// Delete removes an entity remotely.
	Delete(ctx context.Context, entityType model.EntityType, entityID string) error

	// Ping is a lightweight liveness probe used by the connection pool.
	Ping(ctx context.Context) error
}

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// KindTransient failures (timeouts, temporary unavailability) are
	// retryable.
	KindTransient ErrorKind = "transient"

	// KindPermanent failures (structurally invalid payloads) must not be
	// retried.
	KindPermanent ErrorKind = "permanent"

	// KindConflict means the remote holds a diverged version of the entity.
	KindConflict ErrorKind = "conflict"
)

// Error is a structured backend failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s (%s): %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("remote %s (%s): %s", e.Op, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a structured backend failure.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// IsTransient reports whether err is a retryable backend failure. Unknown
// errors are treated as transient so a flaky network never dead-letters an
// item prematurely.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return err != nil && !errors.Is(err, ErrNotFound)
}

// IsPermanent reports whether err is a non-retryable rejection.
func IsPermanent(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindPermanent
	}
	return false
}

// IsConflict reports whether err signals a diverged remote version.
func IsConflict(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindConflict
	}
	return false
}
