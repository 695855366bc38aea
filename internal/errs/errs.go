// Package errs defines the typed error taxonomy shared across umcc's
// components. Every component-level error is wrapped in a *Error carrying a
// stable Kind so callers can branch on failure class without string
// matching, and so the audit log can record a machine-readable reason.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Kinds are stable across releases;
// adding a new one is safe, renaming one is not.
type Kind string

const (
	// KindConfig marks configuration load/validation failures.
	KindConfig Kind = "config"
	// KindSupervisor marks process lifecycle failures (spawn, readiness, restart budget exhaustion).
	KindSupervisor Kind = "supervisor"
	// KindScheduler marks job registration or dispatch failures.
	KindScheduler Kind = "scheduler"
	// KindProbe marks metric collection failures.
	KindProbe Kind = "probe"
	// KindEvaluator marks threshold evaluation failures.
	KindEvaluator Kind = "evaluator"
	// KindImprovement marks improvement-cycle computation failures.
	KindImprovement Kind = "improvement"
	// KindDispatcher marks NL command dispatch failures (no matching intent, ambiguous entity).
	KindDispatcher Kind = "dispatcher"
	// KindAudit marks audit log/index write or read failures.
	KindAudit Kind = "audit"
	// KindControl marks control-socket protocol failures.
	KindControl Kind = "control"
	// KindExternal marks failures of an optional external dependency (oracle, Slack, readiness probe).
	KindExternal Kind = "external"
)

// Error is the concrete error type returned by umcc's internal packages.
type Error struct {
	Kind    Kind
	Op      string // Op names the failing operation, e.g. "supervisor.Start".
	Err     error
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error from a format string, analogous to fmt.Errorf.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithContext attaches a key/value pair for structured logging and returns e
// for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string, 1)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
