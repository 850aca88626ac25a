// Package dberrors defines the error kinds the engine can return.
//
// Every kind is a sentinel that callers distinguish with errors.Is;
// functions that fail wrap it with fmt.Errorf("...: %w", ...) to keep
// context without losing the kind.
package dberrors

import "errors"

var (
	// ErrIO covers failed filesystem operations.
	ErrIO = errors.New("redish: io error")

	// ErrCorruption covers a CRC mismatch, bad magic, or unknown format version.
	ErrCorruption = errors.New("redish: corruption detected")

	// ErrSizeViolation covers a key or value exceeding configured limits.
	ErrSizeViolation = errors.New("redish: size violation")

	// ErrTxUnknown covers an operation referencing a transaction id that
	// is not active.
	ErrTxUnknown = errors.New("redish: unknown transaction")

	// ErrTxConflict covers a commit that failed its visibility check.
	ErrTxConflict = errors.New("redish: transaction conflict")

	// ErrClosed covers an operation attempted after Close.
	ErrClosed = errors.New("redish: engine closed")

	// ErrInternal covers an invariant breach; the engine should be
	// considered unusable after this is returned.
	ErrInternal = errors.New("redish: internal invariant breach")

	// ErrNotFound marks an absent key. The engine's own lookups report
	// absence with a false ok value rather than this error, and Tree.Get
	// returns (nil, false, nil) for an absent key.
	ErrNotFound = errors.New("redish: not found")
)
