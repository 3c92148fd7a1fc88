// Package mock provides a scripted fetcher for pipeline tests.
package mock

import (
	"context"

	"jobwatch/internal/core"
	"jobwatch/internal/source"
)

// Fetcher returns a fixed set of postings, or a fixed error. Calls and the
// queries they received are recorded for assertions.
type Fetcher struct {
	SourceName string
	Postings   []core.Posting
	Err        error

	Calls   int
	Queries []source.Query
}

func (f *Fetcher) Name() string {
	if f.SourceName == "" {
		return "mock"
	}
	return f.SourceName
}

func (f *Fetcher) Fetch(_ context.Context, query source.Query) ([]core.Posting, error) {
	f.Calls++
	f.Queries = append(f.Queries, query)
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]core.Posting, len(f.Postings))
	copy(out, f.Postings)
	return out, nil
}
