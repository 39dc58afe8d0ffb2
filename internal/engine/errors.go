package engine

import (
	"errors"
	"fmt"
)

// ErrorKind partitions engine failures by how the scheduler must treat them.
type ErrorKind string

const (
	// ErrorKindConfiguration is fatal and never retried: missing change
	// marker, unsupported store kind, incomparable marker domains.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindConnectivity means a store was unreachable; the whole table
	// pass aborts and the scheduler retries with bounded backoff.
	ErrorKindConnectivity ErrorKind = "connectivity"

	// ErrorKindRowApplication is a single-row failure (constraint violation,
	// type mismatch); recorded in the pass summary, never aborts the batch.
	ErrorKindRowApplication ErrorKind = "row_application"
)

// Error is the structured error carried through the engine. It wraps the
// underlying cause and classifies it so the scheduler and job records can act
// on the kind without string matching.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err as a fatal configuration error.
func NewConfigurationError(err error) *Error {
	return &Error{Kind: ErrorKindConfiguration, Err: err}
}

// NewConnectivityError wraps err as a retryable connectivity error.
func NewConnectivityError(err error) *Error {
	return &Error{Kind: ErrorKindConnectivity, Err: err}
}

// NewRowApplicationError wraps err as a per-row application error.
func NewRowApplicationError(err error) *Error {
	return &Error{Kind: ErrorKindRowApplication, Err: err}
}

// KindOf returns the classification of err, defaulting to connectivity for
// unclassified errors so unknown store failures stay retryable rather than
// silently terminal.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return ErrorKindConnectivity
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrorKindConfiguration
}

// IsConnectivity reports whether err is a connectivity error.
func IsConnectivity(err error) bool {
	return KindOf(err) == ErrorKindConnectivity
}

// IsRowApplication reports whether err is a per-row application error.
func IsRowApplication(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind == ErrorKindRowApplication
	}
	return false
}

// RowError records one failed row application within a pass summary. The
// row's marker contribution to the watermark is withheld so the next pass
// re-detects and retries it.
type RowError struct {
	Key    string `json:"key"`
	Target Side   `json:"target"`
	Op     Op     `json:"op"`
	Err    error  `json:"-"`
	Msg    string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("apply %s to %s for key %q: %s", e.Op, e.Target, e.Key, e.Msg)
}
