// Package syncerr defines the error taxonomy of the sync engine.
//
// Every error the engine produces on purpose is a *Error carrying a Code.
// Codes drive the propagation policy: item-scoped errors are isolated and
// reported, retryable errors are retried with backoff, fatal errors end the
// run. Errors can be matched with errors.Is against the sentinel values:
//
//	if errors.Is(err, syncerr.ErrNotFound) {
//	    // the item was deleted remotely
//	}
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code identifies an error condition. Codes are strings so they read well
// in logs and serialise naturally in reports.
type Code string

const (
	// CodeInvalidConfig is a ConfigurationError: missing endpoint or
	// credentials, unknown options. Fatal before scoping completes.
	CodeInvalidConfig Code = "INVALID_CONFIGURATION"

	// CodeTransient is a TransientRemoteError: timeouts, 5xx, dropped
	// connections. Retried with backoff.
	CodeTransient Code = "TRANSIENT_REMOTE"

	// CodeRateLimited is a TransientRemoteError raised by throttling.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeNotFound means the remote no longer has the item. It drives the
	// deletedRemote classification and is not an error path.
	CodeNotFound Code = "NOT_FOUND"

	// CodeIntegrity is a CacheIntegrityError: hash mismatch or an
	// undecodable record. The item is treated as absent and re-fetched.
	CodeIntegrity Code = "CACHE_INTEGRITY"

	// CodeConflictUnresolved marks a conflict left for manual action.
	// Reported, never escalated.
	CodeConflictUnresolved Code = "CONFLICT_UNRESOLVED"

	// CodeCacheIO is a cache read or write failure.
	CodeCacheIO Code = "CACHE_IO"

	// CodeRemoteUnavailable means the remote endpoint cannot be reached at
	// all. Fatal for the run.
	CodeRemoteUnavailable Code = "REMOTE_UNAVAILABLE"

	// CodeRunInProgress means another run holds the cache.
	CodeRunInProgress Code = "RUN_IN_PROGRESS"

	// CodeStaleRevision means a write was refused because it would move an
	// item's revision backwards.
	CodeStaleRevision Code = "STALE_REVISION"

	// CodeInternal is an unexpected engine failure.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is. A *Error matches the sentinel with the
// same code.
var (
	ErrInvalidConfig      = &Error{Code: CodeInvalidConfig}
	ErrTransient          = &Error{Code: CodeTransient}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrIntegrity          = &Error{Code: CodeIntegrity}
	ErrConflictUnresolved = &Error{Code: CodeConflictUnresolved}
	ErrCacheIO            = &Error{Code: CodeCacheIO}
	ErrRemoteUnavailable  = &Error{Code: CodeRemoteUnavailable}
	ErrRunInProgress      = &Error{Code: CodeRunInProgress}
	ErrStaleRevision      = &Error{Code: CodeStaleRevision}
	ErrInternal           = &Error{Code: CodeInternal}
)

// Error is a coded engine error.
type Error struct {
	Code Code
	// Op is the failing operation, e.g. "fetch" or "cache.save".
	Op string
	// Type and ItemID locate item-scoped errors. Both empty for run-level
	// errors.
	Type   string
	ItemID string
	// RetryAfter is a server-provided hint for rate-limited requests.
	RetryAfter time.Duration
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.ItemID != "" {
		fmt.Fprintf(&b, "%s/%s: ", e.Type, e.ItemID)
	} else if e.Type != "" {
		fmt.Fprintf(&b, "%s: ", e.Type)
	}
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " ")))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, which makes the sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a run-level error.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf creates a run-level error with a formatted cause.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// Item creates an item-scoped error.
func Item(code Code, op, typ, id string, err error) *Error {
	return &Error{Code: code, Op: op, Type: typ, ItemID: id, Err: err}
}

// Config creates a ConfigurationError.
func Config(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidConfig, Op: "config", Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// IsNotFound returns true if the remote reported the item as missing.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}

// IsIntegrity returns true for cache integrity violations.
func IsIntegrity(err error) bool {
	return err != nil && errors.Is(err, ErrIntegrity)
}

// IsFatal returns true if the error must abort the whole run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeInvalidConfig, CodeRemoteUnavailable, CodeRunInProgress:
		return true
	}
	return false
}

// IsItemScoped returns true if the error concerns a single item and must
// not fail the run.
func IsItemScoped(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ItemID != "" && !IsFatal(err)
}
