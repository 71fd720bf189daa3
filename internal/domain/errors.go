package domain

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced to the user.
type Kind string

const (
	// KindTransient covers failed or timed out Store requests.
	KindTransient Kind = "transient_fetch"
	// KindValidation covers malformed input rejected before any request.
	KindValidation Kind = "validation"
	// KindSubscription covers change feed failures.
	KindSubscription Kind = "subscription"
	// KindRejected covers mutations refused by the Store.
	KindRejected Kind = "rejected"
)

var (
	// ErrNotFound is returned by a Store when the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrForbidden is returned by a Store when the record belongs to another user.
	ErrForbidden = errors.New("record belongs to another user")
	// ErrInactive is returned when an operation needs an active synchronizer.
	ErrInactive = errors.New("synchronizer is not active")
)

// Error is a classified failure. Op names the operation ("fetch", "create", ...)
// or, for validation errors, the offending field.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError for field.
func Validation(field string, err error) error {
	return &Error{Kind: KindValidation, Op: field, Err: err}
}

// Transient wraps err as a TransientFetchError for op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Subscription wraps err as a SubscriptionError.
func Subscription(op string, err error) error {
	return &Error{Kind: KindSubscription, Op: op, Err: err}
}

// Classify wraps a Store failure for op: not-found and forbidden become
// rejections, anything else is transient. Already classified errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return &Error{Kind: KindRejected, Op: op, Err: err}
	}
	return Transient(op, err)
}

// KindOf returns the Kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
