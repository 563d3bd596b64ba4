// Package deltaerrors defines the error taxonomy used throughout the
// target: fatal errors (DeltaFailure) that stop the pipeline and are never
// retried, versus plain wrapped errors that the retry coordinator treats as
// transient. Distinguishing by type, not by string matching, keeps the
// classification reliable across warehouse/blob client library versions.
package deltaerrors

import (
	"errors"
	"fmt"
)

// FatalError is raised for semantic/policy violations: empty primary key,
// manual-drop-required, missing PK state on recovery, or an
// invalid-operation response from the warehouse. It is latched by the
// consumer orchestrator into flushException and re-raised from the next
// public call.
type FatalError struct {
	Op    string // operation that failed, e.g. "CreateTable"
	Table string
	Loc   string
	Err   error
}

func (e *FatalError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("fatal: %s on %s: %v (%s)", e.Op, e.Table, e.Err, e.Loc)
	}
	return fmt.Sprintf("fatal: %s: %v (%s)", e.Op, e.Err, e.Loc)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal constructs a FatalError.
func Fatal(op, table, loc string, err error) error {
	return &FatalError{Op: op, Table: table, Loc: loc, Err: err}
}

// Fatalf constructs a FatalError from a formatted message.
func Fatalf(op, table, loc, format string, args ...any) error {
	return &FatalError{Op: op, Table: table, Loc: loc, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Conflict marks an error the caller should swallow (e.g. dataset/bucket
// already exists from a racing worker).
type Conflict struct {
	Loc string
	Err error
}

func (e *Conflict) Error() string { return fmt.Sprintf("conflict: %v (%s)", e.Err, e.Loc) }
func (e *Conflict) Unwrap() error { return e.Err }

// IsConflict reports whether err is a Conflict.
func IsConflict(err error) bool {
	var ce *Conflict
	return errors.As(err, &ce)
}

// ErrShouldStop is returned by long-running operations once the process-wide
// should-stop flag is observed; it is never converted into a retry.
var ErrShouldStop = errors.New("delta target: should-stop flag set")
