package engine

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Class is the coarse retry disposition of an error.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// Kind is the finer-grained error classification used by DLQ recovery
// rules and metrics.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindRateLimit  Kind = "rate_limit"
	KindTimeout    Kind = "timeout"
	KindMemory     Kind = "memory"
	KindTemporary  Kind = "temporary"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindIntegrity  Kind = "integrity"
	KindUnknown    Kind = "unknown"
)

// Error is a classified error flowing through the step executor.
type Error struct {
	Class   Class
	Kind    Kind
	Message string
	Stack   string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Transient builds a retriable error of the given kind.
func Transient(kind Kind, err error) *Error {
	return &Error{Class: ClassTransient, Kind: kind, Message: err.Error(), cause: err}
}

// Transientf builds a retriable error from a format string.
func Transientf(kind Kind, format string, args ...any) *Error {
	return Transient(kind, fmt.Errorf(format, args...))
}

// Fatal builds a non-retriable error of the given kind.
func Fatal(kind Kind, err error) *Error {
	return &Error{Class: ClassFatal, Kind: kind, Message: err.Error(), cause: err}
}

// Fatalf builds a non-retriable error from a format string.
func Fatalf(kind Kind, format string, args ...any) *Error {
	return Fatal(kind, fmt.Errorf(format, args...))
}

// StepNameConflict is raised when a handler reuses a step name within a
// run, or replays a step name with a different intent. It is an integrity
// error and never retried.
func StepNameConflict(runID, stepName string) *Error {
	return Fatalf(KindIntegrity, "step name %q already used in run %s", stepName, runID)
}

// suspendError unwinds a handler back to the dispatcher so the run can be
// checkpointed and re-leased at WakeAt. It does not consume an attempt.
type suspendError struct {
	WakeAt time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("run suspended until %s", e.WakeAt.Format(time.RFC3339))
}

// IsSuspend reports whether err is a suspension directive and returns the
// wake time.
func IsSuspend(err error) (time.Time, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s.WakeAt, true
	}
	return time.Time{}, false
}

// Pattern table mapping raw error text to kinds, checked in order. The
// first match wins; explicit kinds from *Error take precedence over
// pattern matching.
var kindPatterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindNetwork, regexp.MustCompile(`(?i)network|connection|timeout|ENOTFOUND|ECONNREFUSED`)},
	{KindRateLimit, regexp.MustCompile(`(?i)rate[ .]?limit|too[ .]?many[ .]?requests|429`)},
	{KindTimeout, regexp.MustCompile(`(?i)timeout|timed[ .]?out`)},
	{KindMemory, regexp.MustCompile(`(?i)memory|out[ .]?of[ .]?memory|heap`)},
	{KindTemporary, regexp.MustCompile(`(?i)temporary|try[ .]?again|5(0[2-4])`)},
	{KindAuth, regexp.MustCompile(`(?i)auth|unauthorized|forbidden|401|403`)},
	{KindValidation, regexp.MustCompile(`(?i)validation|invalid|bad[ .]?request|400`)},
}

var fatalKinds = map[Kind]bool{
	KindAuth:       true,
	KindValidation: true,
	KindIntegrity:  true,
}

// Classify maps an arbitrary error to its (class, kind) tuple. Typed
// engine errors keep their explicit classification; everything else is
// matched against the pattern table. Unmatched errors are unknown and
// treated as transient.
func Classify(err error) (Class, Kind) {
	if err == nil {
		return ClassTransient, KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Class, typed.Kind
	}
	msg := err.Error()
	for _, p := range kindPatterns {
		if p.re.MatchString(msg) {
			if fatalKinds[p.kind] {
				return ClassFatal, p.kind
			}
			return ClassTransient, p.kind
		}
	}
	return ClassTransient, KindUnknown
}
