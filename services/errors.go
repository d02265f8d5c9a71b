package services

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	// KindUser is an expected rejection: report it, do not retry, do not alert.
	KindUser Kind = iota + 1
	// KindConfig means reference data is missing; surfaced as a server-side failure and alerted on.
	KindConfig
	// KindContention means a lock could not be taken in time; the caller may retry.
	KindContention
	// KindTransient hides store, cache and codec failures behind one generic code.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindConfig:
		return "config"
	case KindContention:
		return "contention"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by the attendance operations.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

// Error never includes the cause; it is logged where the error is created and reachable through Unwrap.
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code, so a wrapped instance still matches its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindContention || e.Kind == KindTransient
}

var (
	ErrAlreadyChecked      = &Error{Kind: KindUser, Code: 40030, Message: "already checked in today"}
	ErrNotOnTime           = &Error{Kind: KindUser, Code: 40031, Message: "not inside a check-in window"}
	ErrInvalidRange        = &Error{Kind: KindUser, Code: 40032, Message: "invalid date range"}
	ErrUserNotFound        = &Error{Kind: KindUser, Code: 40410, Message: "user not found"}
	ErrBusy                = &Error{Kind: KindContention, Code: 42930, Message: "busy, try again"}
	ErrUncategorized       = &Error{Kind: KindTransient, Code: 50030, Message: "uncategorized failure"}
	ErrRewardNotConfigured = &Error{Kind: KindConfig, Code: 50032, Message: "reward not configured for today"}
)

// wrap returns a copy of sentinel carrying cause.
func wrap(sentinel *Error, cause error) *Error {
	e := *sentinel
	e.Err = cause
	return &e
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsUserError(err error) bool       { return KindOf(err) == KindUser }
func IsConfigError(err error) bool     { return KindOf(err) == KindConfig }
func IsContentionError(err error) bool { return KindOf(err) == KindContention }
func IsTransientError(err error) bool  { return KindOf(err) == KindTransient }
