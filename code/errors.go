// Package code holds the sentinel errors shared across the persistent
// log, keyed by the error kinds the storage layer can surface.
package code

import "errors"

var (
	// ErrIO covers mapping, flush, and other filesystem failures.
	ErrIO = errors.New("io error")

	// ErrEntryTooLarge is returned when a serialized entry would exceed
	// the partition's maxRecordSize.
	ErrEntryTooLarge = errors.New("entry too large for a record slot")

	// ErrEmptyEntrySet is returned by AppendAsync when called with no
	// entries.
	ErrEmptyEntrySet = errors.New("empty entry set")

	// ErrCancelled is returned when a suspension point observes context
	// cancellation before completing.
	ErrCancelled = errors.New("operation cancelled")

	// ErrDisposed is returned when an operation is invoked after the log
	// or one of its backing files has been closed.
	ErrDisposed = errors.New("log is closed")
)
