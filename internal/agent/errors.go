package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means credentials are missing or rejected. The loop halts.
	ErrAuth = errors.New("authentication failed")
	// ErrPermanent means the target can never be acted on (deleted, already liked, ...).
	ErrPermanent = errors.New("permanent failure")
	// ErrTransient means the attempt may succeed on a later cycle.
	ErrTransient = errors.New("transient failure")
)

// Class is the scheduler's view of an error.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Transient marks err as retryable on a later cycle.
func Transient(err error) error { return classify(err, ClassTransient) }

// Permanent marks err as final for its target. The scheduler records the
// target as processed so it is not retried.
//
// Example:
//
//	return agent.Permanent(fmt.Errorf("tweet %s deleted", id))
func Permanent(err error) error { return classify(err, ClassPermanent) }

// Auth marks err as a credential failure.
func Auth(err error) error { return classify(err, ClassAuth) }

func classify(err error, c Class) error {
	if err == nil {
		return nil
	}
	return classifiedError{err: err, class: c}
}

type classifiedError struct {
	err   error
	class Class
}

func (e classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e classifiedError) Unwrap() error { return e.err }

func (e classifiedError) Is(target error) bool {
	switch e.class {
	case ClassTransient:
		return target == ErrTransient
	case ClassPermanent:
		return target == ErrPermanent
	case ClassAuth:
		return target == ErrAuth
	}
	return false
}

// Classify maps err onto a Class. nil is ClassNone; unclassified errors are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// RetryAfter provides a suggested delay before retrying.
//
// Sources use it for rate-limit responses; the backoff honours the hint
// (bounded by the policy's MaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
