// Package mock provides a scripted notifier for pipeline tests.
package mock

import (
	"context"

	"jobwatch/internal/core"
	"jobwatch/internal/notify"
)

// Notifier records what it was asked to deliver. FailIDs simulates
// per-posting delivery failures; Err simulates a notifier that could not
// attempt delivery at all.
type Notifier struct {
	FailIDs map[string]error
	Err     error

	Calls     int
	Summaries []notify.Summary
	Batches   [][]core.Posting
}

func (n *Notifier) Name() string { return "mock" }

func (n *Notifier) Notify(_ context.Context, summary notify.Summary, postings []core.Posting) (notify.Result, error) {
	n.Calls++
	n.Summaries = append(n.Summaries, summary)
	batch := make([]core.Posting, len(postings))
	copy(batch, postings)
	n.Batches = append(n.Batches, batch)

	var result notify.Result
	if n.Err != nil {
		return result, n.Err
	}
	for _, p := range postings {
		if err, ok := n.FailIDs[p.ID]; ok {
			result.AddFailure(p.ID, err)
			continue
		}
		result.Sent = append(result.Sent, p.ID)
	}
	return result, nil
}
