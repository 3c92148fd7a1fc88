// Package source defines the fetch boundary of the pipeline. Every source
// normalizes its board's shape into core.Posting records; loosely-typed
// upstream data never leaks past this package.
package source

import (
	"context"

	"jobwatch/internal/core"
)

// Query carries the search parameters a profile hands to its sources.
// Sources use the fields that make sense for their board and ignore the
// rest.
type Query struct {
	SearchTerms      []string
	Location         string
	RemoteOnly       bool
	ResultsWanted    int
	MaxAgeHours      int
	ExperienceLevels []string
}

// Fetcher retrieves postings for a query. Zero results is not an error.
// Returning an error means this source produced nothing usable this run;
// the orchestrator decides whether that is fatal (all sources failed) or a
// recorded partial failure (some source still delivered).
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, query Query) ([]core.Posting, error)
}
