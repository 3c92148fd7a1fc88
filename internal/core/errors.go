package core

import "fmt"

// SourceError indicates the scrape source was totally unavailable. It is
// fatal to the run; no persisted state is touched.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("source unavailable: %v", e.Err)
	}
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// ValidationError marks a malformed individual posting. The record is
// dropped and logged; the run continues.
type ValidationError struct {
	Source string
	Field  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("posting from %s missing required field %q", e.Source, e.Field)
}

// NotifyError is a per-posting delivery failure. Transient failures
// (timeouts, 429, 5xx) are retried within the run; permanent failures
// (malformed payload, other 4xx) are recorded and skipped.
type NotifyError struct {
	Transient bool
	Err       error
}

func (e *NotifyError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("notify failed (%s): %v", kind, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// SeenStoreError indicates persisted dedup state exists but could not be
// read or written. Proceeding would risk alert floods or silent dedup
// resets, so it is fatal to the run. An absent store on first run is not
// an error.
type SeenStoreError struct {
	Path string
	Err  error
}

func (e *SeenStoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("seen store: %v", e.Err)
	}
	return fmt.Sprintf("seen store %s: %v", e.Path, e.Err)
}

func (e *SeenStoreError) Unwrap() error { return e.Err }
