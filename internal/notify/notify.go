// Package notify defines the delivery boundary of the pipeline. A notifier
// reports per-posting delivery outcomes so the caller can commit exactly the
// postings that reached the operator.
package notify

import (
	"context"

	"jobwatch/internal/core"
)

// Summary carries the run statistics a notifier may surface alongside the
// postings themselves.
type Summary struct {
	Profile     string
	Fetched     int
	Filtered    int
	New         int
	DropReasons map[string]int
}

// Result records which postings were delivered. A posting appears in exactly
// one of Sent or Failed.
type Result struct {
	Sent   []string
	Failed map[string]error
}

// AddFailure records a per-posting delivery failure.
func (r *Result) AddFailure(id string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]error{}
	}
	r.Failed[id] = err
}

// Notifier delivers a batch of new postings. An error return means delivery
// could not be attempted at all; partial delivery is expressed through the
// Result, not the error.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, summary Summary, postings []core.Posting) (Result, error)
}
