// Package seen owns the dedup state machine: the persistent set of posting
// identifiers that have already been alerted on. The set is loaded at run
// start, consulted to partition fetched postings, mutated only after the
// notifier reports outcomes, and written back at most once per run.
package seen

import (
	"context"
	"time"

	"jobwatch/internal/core"
)

// Set maps posting IDs to the time they were first alerted on. The timestamp
// drives retention pruning.
type Set map[string]time.Time

// Contains reports whether id has already been alerted on.
func (s Set) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Add records id as alerted at the given time. Existing entries keep their
// original timestamp.
func (s Set) Add(id string, at time.Time) {
	if id == "" {
		return
	}
	if _, ok := s[id]; !ok {
		s[id] = at
	}
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, at := range s {
		out[id] = at
	}
	return out
}

// Prune removes entries older than the retention window. A zero retention
// keeps everything. Returns the number of entries removed.
func (s Set) Prune(retention time.Duration, now time.Time) int {
	if retention <= 0 {
		return 0
	}
	cutoff := now.Add(-retention)
	removed := 0
	for id, at := range s {
		if at.Before(cutoff) {
			delete(s, id)
			removed++
		}
	}
	return removed
}

// Partition splits postings into those never alerted on and those already in
// the set. Order is preserved within each half.
func Partition(postings []core.Posting, s Set) (fresh, alreadySeen []core.Posting) {
	for _, p := range postings {
		if s.Contains(p.ID) {
			alreadySeen = append(alreadySeen, p)
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh, alreadySeen
}

// Commit adds the IDs of successfully notified postings to the set. Postings
// that failed notification are deliberately not added so they stay eligible
// for retry on the next run. Returns the number of IDs actually added.
func Commit(s Set, notifiedIDs []string, at time.Time) int {
	added := 0
	for _, id := range notifiedIDs {
		if id == "" || s.Contains(id) {
			continue
		}
		s.Add(id, at)
		added++
	}
	return added
}

// Store persists the seen set across runs.
//
// Load fails soft (empty set) when no state exists yet, but fails loud with
// a core.SeenStoreError when state is present and unreadable — silently
// resetting dedup state would flood the notification channel.
//
// Persist must be atomic: an interrupted write leaves the previously
// persisted state readable and unchanged.
type Store interface {
	Load(ctx context.Context) (Set, error)
	Persist(ctx context.Context, s Set) error
	Close() error
}
