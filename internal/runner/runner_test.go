package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/filter"
	"jobwatch/internal/notify"
	notifymock "jobwatch/internal/notify/mock"
	"jobwatch/internal/seen"
	"jobwatch/internal/source"
	sourcemock "jobwatch/internal/source/mock"
)

func testPostings() []core.Posting {
	posted := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	out := []core.Posting{
		{Title: "Security Engineer", Company: "Acme", Location: "Remote", Source: "linkedin", PostedAt: posted},
		{Title: "SOC Analyst", Company: "Globex", Location: "New York, NY", Source: "indeed", PostedAt: posted},
		{Title: "Staff Accountant", Company: "Initech", Location: "Remote", Source: "linkedin", PostedAt: posted},
	}
	for i := range out {
		out[i].Normalize()
	}
	return out
}

type fixture struct {
	fetcher  *sourcemock.Fetcher
	notifier *notifymock.Notifier
	store    seen.Store
	cfg      Config
}

// newFixture builds a pipeline config with one mock fetcher, one mock
// notifier, a real file-backed seen store and a filter that keeps only
// security roles.
func newFixture(t *testing.T, postings []core.Posting) *fixture {
	t.Helper()
	engine, err := filter.New(config.FilterConfig{AllowKeywords: []string{"security", "soc"}})
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	store, err := seen.NewFileStore(filepath.Join(t.TempDir(), "seen.json"), 0, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	f := &fixture{
		fetcher:  &sourcemock.Fetcher{SourceName: "mock", Postings: postings},
		notifier: &notifymock.Notifier{},
		store:    store,
	}
	f.cfg = Config{
		Profile:   "job-alert",
		Query:     source.Query{SearchTerms: []string{"security"}},
		Fetchers:  []source.Fetcher{f.fetcher},
		Filter:    engine,
		Store:     store,
		Notifiers: []notify.Notifier{f.notifier},
	}
	return f
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(f.cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func TestRunOnceNotifiesAndCommitsNewPostings(t *testing.T) {
	f := newFixture(t, testPostings())
	result, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != core.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", result.Status)
	}
	if result.FetchedCount != 3 || result.FilteredCount != 2 || result.NewCount != 2 || result.NotifiedCount != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.DropReasons[filter.ReasonAllowKeyword] != 1 {
		t.Fatalf("expected the accountant role dropped by allow keywords, got %+v", result.DropReasons)
	}
	if f.notifier.Calls != 1 || len(f.notifier.Batches[0]) != 2 {
		t.Fatalf("expected one notify call with 2 postings, got %d calls", f.notifier.Calls)
	}

	set, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load seen: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 committed ids, got %d", len(set))
	}
}

func TestRunOnceSecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t, testPostings())
	if _, err := f.pipeline(t).RunOnce(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	result, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.NewCount != 0 || result.NotifiedCount != 0 {
		t.Fatalf("expected second run to find nothing new, got %+v", result)
	}
	if result.Status != core.RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", result.Status)
	}
	// The notifier is still called so an empty-run message can go out.
	if f.notifier.Calls != 2 {
		t.Fatalf("expected notifier consulted on both runs, got %d", f.notifier.Calls)
	}
	if len(f.notifier.Batches[1]) != 0 {
		t.Fatalf("expected empty second batch, got %d postings", len(f.notifier.Batches[1]))
	}
}

func TestRunOncePartialNotifyCommitsOnlyDeliveredIDs(t *testing.T) {
	postings := testPostings()
	f := newFixture(t, postings)
	failedID := postings[1].ID
	f.notifier.FailIDs = map[string]error{failedID: &core.NotifyError{Transient: true, Err: fmt.Errorf("webhook timeout")}}

	result, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Status != core.RunStatusPartial {
		t.Fatalf("expected partial status, got %s", result.Status)
	}
	if result.NotifiedCount != 1 {
		t.Fatalf("expected 1 delivered posting, got %d", result.NotifiedCount)
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected the delivery failure recorded on the result")
	}

	set, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load seen: %v", err)
	}
	if set.Contains(failedID) {
		t.Fatal("failed posting must stay eligible for the next run")
	}
	if len(set) != 1 {
		t.Fatalf("expected only the delivered id committed, got %d", len(set))
	}

	// The failed posting is retried on the next run; the delivered one is not.
	f.notifier.FailIDs = nil
	second, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.NewCount != 1 || second.NotifiedCount != 1 {
		t.Fatalf("expected the failed posting retried once, got %+v", second)
	}
}

func TestRunOnceFetchFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, testPostings())
	if _, err := f.pipeline(t).RunOnce(context.Background()); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}
	before, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load seen: %v", err)
	}

	f.fetcher.Err = &core.SourceError{Source: "mock", Err: fmt.Errorf("upstream down")}
	result, err := f.pipeline(t).RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected fetch failure to fail the run")
	}
	if result.Status != core.RunStatusFailed || result.Stage != core.StageFetch {
		t.Fatalf("expected failed run at fetch stage, got %+v", result)
	}
	if f.notifier.Calls != 1 {
		t.Fatalf("expected no notify attempt on a failed fetch, got %d calls", f.notifier.Calls)
	}

	after, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load seen after failure: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected seen state untouched, got %d entries, want %d", len(after), len(before))
	}
}

func TestRunOncePartialSourceErrorsTolerableWhenAllowed(t *testing.T) {
	postings := testPostings()
	f := newFixture(t, postings[:1])
	broken := &sourcemock.Fetcher{SourceName: "broken", Err: &core.SourceError{Source: "broken", Err: fmt.Errorf("down")}}
	f.cfg.Fetchers = append(f.cfg.Fetchers, broken)
	f.cfg.AllowPartialSourceErrors = true

	result, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected partial source failure to be tolerated, got %v", err)
	}
	if result.FetchedCount != 1 || result.NotifiedCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected the source failure recorded, got %+v", result.Errors)
	}
}

func TestRunOnceAllSourcesFailingIsFatalEvenWhenPartialAllowed(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.Err = &core.SourceError{Source: "mock", Err: fmt.Errorf("down")}
	f.cfg.AllowPartialSourceErrors = true

	result, err := f.pipeline(t).RunOnce(context.Background())
	var srcErr *core.SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("expected SourceError, got %v", err)
	}
	if result.Status != core.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", result.Status)
	}
}

func TestRunOnceDeduplicatesAcrossFetchers(t *testing.T) {
	postings := testPostings()[:1]
	f := newFixture(t, postings)
	duplicate := &sourcemock.Fetcher{SourceName: "mirror", Postings: postings}
	f.cfg.Fetchers = append(f.cfg.Fetchers, duplicate)

	result, err := f.pipeline(t).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.FetchedCount != 1 {
		t.Fatalf("expected within-run dedup across fetchers, got %d fetched", result.FetchedCount)
	}
}

// failingStore wraps a real store and fails Persist, to exercise the commit
// stage failure path.
type failingStore struct {
	seen.Store
}

func (s *failingStore) Persist(context.Context, seen.Set) error {
	return &core.SeenStoreError{Err: fmt.Errorf("disk full")}
}

func TestRunOnceCommitFailureFailsTheRun(t *testing.T) {
	f := newFixture(t, testPostings())
	f.cfg.Store = &failingStore{Store: f.store}

	result, err := f.pipeline(t).RunOnce(context.Background())
	var storeErr *core.SeenStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected SeenStoreError, got %v", err)
	}
	if result.Status != core.RunStatusFailed || result.Stage != core.StageCommit {
		t.Fatalf("expected failed run at commit stage, got status=%s stage=%s", result.Status, result.Stage)
	}
}

func TestRunOnceCorruptSeenStateIsFatal(t *testing.T) {
	f := newFixture(t, testPostings())
	path := filepath.Join(t.TempDir(), "seen.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}
	store, err := seen.NewFileStore(path, 0, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	f.cfg.Store = store

	result, err := f.pipeline(t).RunOnce(context.Background())
	var storeErr *core.SeenStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected SeenStoreError, got %v", err)
	}
	if result.Status != core.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", result.Status)
	}
	if f.notifier.Calls != 0 {
		t.Fatal("expected no notifications when dedup state is unreadable")
	}
}
