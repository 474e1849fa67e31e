// Package faults classifies batch-processing errors. Per-record failures are
// recorded in the failed-record ledger with one of these codes; only
// CodeUnrecoverable aborts a whole job.
package faults

import (
	"context"
	"errors"
	"net"
)

// Error classification codes stored on failed records
const (
	CodeNetwork       = "network"
	CodeValidation    = "validation"
	CodeConflict      = "conflict"
	CodeRateLimit     = "rate_limit"
	CodeUnrecoverable = "unrecoverable"
)

// Fault wraps an error with a classification code
type Fault struct {
	Code string
	Err  error
}

func (f *Fault) Error() string {
	return f.Code + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Network marks a transient error, retryable manually or on a later pass
func Network(err error) error {
	return &Fault{Code: CodeNetwork, Err: err}
}

// Validation marks a payload rejected by the mapper or the target system;
// never retried automatically
func Validation(err error) error {
	return &Fault{Code: CodeValidation, Err: err}
}

// Conflict marks a duplicate/conflict response; the desired end state already
// exists, so callers count it as skipped rather than failed
func Conflict(err error) error {
	return &Fault{Code: CodeConflict, Err: err}
}

// RateLimit marks a throttling response; the execution loop backs off and
// retries instead of failing the job
func RateLimit(err error) error {
	return &Fault{Code: CodeRateLimit, Err: err}
}

// Unrecoverable marks a scope-level error that aborts the whole job
func Unrecoverable(err error) error {
	return &Fault{Code: CodeUnrecoverable, Err: err}
}

// Classify returns the classification code for an error. Unclassified
// transport errors and timeouts count as network failures.
func Classify(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetwork
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetwork
	}

	return CodeNetwork
}

// Is reports whether err carries the given classification code
func Is(err error, code string) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == code
}
