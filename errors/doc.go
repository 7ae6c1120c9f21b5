// Package errors provides structured error types for the i64shim library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the path of the offending plan entry (for example
// "imports[2]" or "calls[5]"), the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhasePatch, errors.KindUnresolvedMapping).
//		Path("imports[0]").
//		Value(uint32(3)).
//		Detail("no lowered signature for signature %d", 3).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhasePatch, path, 120, 64)
//	err := errors.MalformedVarint(errors.PhasePatch, path, 17, cause)
//
// All errors implement the standard error interface and support errors.Is/As.
// IsKind matches on Kind alone, regardless of phase.
package errors
