package redish

import "redish/internal/dberrors"

// Error kinds surfaced across the public API. Callers should compare
// with errors.Is, not string matching.
var (
	ErrIO            = dberrors.ErrIO
	ErrCorruption    = dberrors.ErrCorruption
	ErrSizeViolation = dberrors.ErrSizeViolation
	ErrTxUnknown     = dberrors.ErrTxUnknown
	ErrTxConflict    = dberrors.ErrTxConflict
	ErrClosed        = dberrors.ErrClosed
	ErrInternal      = dberrors.ErrInternal
)
