package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the machine-readable failure class of an operation.
type ErrorKind string

const (
	KindNotFound                  ErrorKind = "not_found"
	KindIllegalTransition         ErrorKind = "illegal_transition"
	KindTemporalOrderingViolation ErrorKind = "temporal_ordering_violation"
	KindHookBlocked               ErrorKind = "hook_blocked"
	KindHookFailedNonBlocking     ErrorKind = "hook_failed_non_blocking"
	KindCheckpointFailure         ErrorKind = "checkpoint_failure"
	KindCheckpointNotFound        ErrorKind = "checkpoint_not_found"
	KindNoChanges                 ErrorKind = "no_changes"
	KindInvalidInput              ErrorKind = "invalid_input"
	KindConflict                  ErrorKind = "concurrent_modification"
	KindInternal                  ErrorKind = "internal"
)

// Sentinels for errors.Is; *Error matches the sentinel of its kind.
var (
	ErrNotFound                  = &Error{Kind: KindNotFound, Message: "not found"}
	ErrIllegalTransition         = &Error{Kind: KindIllegalTransition, Message: "illegal transition"}
	ErrTemporalOrderingViolation = &Error{Kind: KindTemporalOrderingViolation, Message: "temporal ordering violation"}
	ErrHookBlocked               = &Error{Kind: KindHookBlocked, Message: "blocked by hook"}
	ErrCheckpointFailure         = &Error{Kind: KindCheckpointFailure, Message: "checkpoint failed"}
	ErrCheckpointNotFound        = &Error{Kind: KindCheckpointNotFound, Message: "checkpoint not found"}
	ErrNoChanges                 = &Error{Kind: KindNoChanges, Message: "no changes to checkpoint"}
	ErrInvalidInput              = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrConflict                  = &Error{Kind: KindConflict, Message: "work unit changed concurrently"}
)

// HookFailure identifies the hook that stopped an operation.
type HookFailure struct {
	Name     string `json:"name"`
	Event    string `json:"event"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
}

// Error separates the failure kind from its detail payload.
type Error struct {
	Kind       ErrorKind           `json:"kind"`
	Message    string              `json:"message"`
	Violations []TemporalViolation `json:"violations,omitempty"`
	Hook       *HookFailure        `json:"hook,omitempty"`
	Cause      error               `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so callers can use the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func NotFoundf(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

func TemporalViolationError(from, to Status, violations []TemporalViolation) *Error {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot move %s -> %s: %d artifact(s) predate entering %s", from, to, len(violations), from)
	for _, v := range violations {
		fmt.Fprintf(&b, "\n  - %s modified %s, state entered %s (%.0f minutes earlier)",
			v.File, v.FileModifiedAt.UTC().Format("2006-01-02T15:04:05Z"), v.StateEnteredAt.UTC().Format("2006-01-02T15:04:05Z"), v.GapMinutes)
	}
	return &Error{Kind: KindTemporalOrderingViolation, Message: b.String(), Violations: violations}
}
