// Package errs defines the error taxonomy shared across the registry core.
// Callers classify failures with errors.Is against these sentinels.
package errs

import "errors"

var (
	// ErrNotFound indicates a referenced URL, metadata record or extractor
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionNotMet indicates an operation was attempted before its
	// prerequisite completed (e.g. metadata extraction on an unprocessed URL).
	ErrPreconditionNotMet = errors.New("precondition not met")

	// ErrUnreachableSource indicates the dataset URL could not be cloned or
	// fetched. Transient; the worker pool may retry.
	ErrUnreachableSource = errors.New("unreachable source")

	// ErrCorruptCache indicates the cached clone is unusable and re-cloning
	// did not recover it. Fatal for the run.
	ErrCorruptCache = errors.New("corrupt cache")

	// ErrInvalidPath indicates a malformed cache-path filter.
	ErrInvalidPath = errors.New("invalid path")

	// ErrAlreadyProcessing indicates a processing run for the same URL is
	// already in flight. The duplicate trigger is a no-op.
	ErrAlreadyProcessing = errors.New("already processing")
)
