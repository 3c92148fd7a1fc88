// Package runner orchestrates one pipeline execution: fetch, filter, dedup,
// notify, commit. Stages run strictly in order; no stage starts before the
// previous stage's full output is available.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jobwatch/internal/core"
	"jobwatch/internal/filter"
	"jobwatch/internal/notify"
	"jobwatch/internal/seen"
	"jobwatch/internal/source"
)

type Config struct {
	Profile   string
	Query     source.Query
	Fetchers  []source.Fetcher
	Filter    *filter.Engine
	Store     seen.Store
	Notifiers []notify.Notifier
	// AllowPartialSourceErrors keeps the run alive when some, but not all,
	// fetchers fail. The default is strict: any fetcher failure aborts the
	// run before state is touched.
	AllowPartialSourceErrors bool
	Logger                   *slog.Logger
	// Now is the run clock, injectable for tests.
	Now func() time.Time
}

type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Profile == "" {
		return nil, fmt.Errorf("profile name is required")
	}
	if len(cfg.Fetchers) == 0 {
		return nil, fmt.Errorf("at least one fetcher is required")
	}
	if cfg.Filter == nil {
		return nil, fmt.Errorf("filter engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("seen store is required")
	}
	if len(cfg.Notifiers) == 0 {
		return nil, fmt.Errorf("at least one notifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With(slog.String("profile", cfg.Profile)),
		now:    now,
		tracer: otel.Tracer("jobwatch/runner"),
	}, nil
}

// Close releases the seen store's resources.
func (p *Pipeline) Close() error {
	return p.cfg.Store.Close()
}

// RunOnce executes the pipeline once. The returned result is always non-nil
// and carries the per-stage counts and errors; the error return is non-nil
// only when the run failed without committing state.
func (p *Pipeline) RunOnce(ctx context.Context) (*core.RunResult, error) {
	result := &core.RunResult{
		Profile:   p.cfg.Profile,
		StartedAt: p.now(),
		Status:    core.RunStatusRunning,
		Stage:     core.StageInit,
	}
	ctx = core.WithLogger(ctx, p.logger)
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("profile", p.cfg.Profile)))
	defer span.End()

	set, err := p.loadSeen(ctx)
	if err != nil {
		return p.fail(result, core.StageInit, err), err
	}

	result.Stage = core.StageFetch
	postings, err := p.fetch(ctx, result)
	if err != nil {
		return p.fail(result, core.StageFetch, err), err
	}
	result.FetchedCount = len(postings)

	result.Stage = core.StageFilter
	kept, drops := p.filterStage(ctx, postings)
	result.FilteredCount = len(kept)
	if len(drops) > 0 {
		result.DropReasons = drops
	}

	result.Stage = core.StageDedup
	fresh, alreadySeen := p.dedupStage(ctx, kept, set)
	result.NewCount = len(fresh)
	p.logger.Info("run partitioned",
		slog.Int("fetched", result.FetchedCount),
		slog.Int("matched", result.FilteredCount),
		slog.Int("dropped", drops.Total()),
		slog.Int("already_seen", len(alreadySeen)),
		slog.Int("new", result.NewCount))

	result.Stage = core.StageNotify
	sentIDs, notifyFailures := p.notifyStage(ctx, result, fresh)
	result.NotifiedCount = len(sentIDs)

	result.Stage = core.StageCommit
	if err := p.commitStage(ctx, set, sentIDs); err != nil {
		return p.fail(result, core.StageCommit, err), err
	}

	result.Stage = core.StageDone
	result.CompletedAt = p.now()
	if notifyFailures > 0 {
		result.Status = core.RunStatusPartial
	} else {
		result.Status = core.RunStatusCompleted
	}
	p.logger.Info("run finished",
		slog.String("status", string(result.Status)),
		slog.Int("notified", result.NotifiedCount),
		slog.Int("notify_failures", notifyFailures))
	return result, nil
}

func (p *Pipeline) fail(result *core.RunResult, stage core.Stage, err error) *core.RunResult {
	result.RecordError(stage, err)
	result.Stage = stage
	result.Status = core.RunStatusFailed
	result.CompletedAt = p.now()
	p.logger.Error("run failed", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	return result
}

func (p *Pipeline) loadSeen(ctx context.Context) (seen.Set, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.load_seen")
	defer span.End()
	set, err := p.cfg.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("seen.size", len(set)))
	return set, nil
}

// fetch merges all fetchers, deduplicating within the run. The same listing
// showing up from two sources must alert once, not twice.
func (p *Pipeline) fetch(ctx context.Context, result *core.RunResult) ([]core.Posting, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch")
	defer span.End()

	byID := map[string]bool{}
	var postings []core.Posting
	failed := 0
	var firstErr error
	for _, fetcher := range p.cfg.Fetchers {
		fetched, err := fetcher.Fetch(ctx, p.cfg.Query)
		if err != nil {
			if !p.cfg.AllowPartialSourceErrors {
				return nil, err
			}
			p.logger.Warn("source failed", slog.String("source", fetcher.Name()), slog.String("error", err.Error()))
			result.RecordError(core.StageFetch, err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, posting := range fetched {
			if byID[posting.ID] {
				continue
			}
			byID[posting.ID] = true
			postings = append(postings, posting)
		}
	}
	if failed == len(p.cfg.Fetchers) {
		return nil, &core.SourceError{Err: fmt.Errorf("all %d sources failed, first: %w", failed, firstErr)}
	}
	span.SetAttributes(attribute.Int("postings.fetched", len(postings)))
	return postings, nil
}

func (p *Pipeline) filterStage(ctx context.Context, postings []core.Posting) ([]core.Posting, filter.Drops) {
	_, span := p.tracer.Start(ctx, "pipeline.filter")
	defer span.End()
	kept, drops := p.cfg.Filter.Apply(postings, p.now())
	span.SetAttributes(
		attribute.Int("postings.kept", len(kept)),
		attribute.Int("postings.dropped", drops.Total()))
	return kept, drops
}

func (p *Pipeline) dedupStage(ctx context.Context, postings []core.Posting, set seen.Set) (fresh, alreadySeen []core.Posting) {
	_, span := p.tracer.Start(ctx, "pipeline.dedup")
	defer span.End()
	fresh, alreadySeen = seen.Partition(postings, set)
	span.SetAttributes(
		attribute.Int("postings.new", len(fresh)),
		attribute.Int("postings.seen", len(alreadySeen)))
	return fresh, alreadySeen
}

// notifyStage delivers the fresh postings through every configured notifier.
// A posting counts as delivered once any notifier got it through; it is then
// committed so the next run will not alert on it again. Failures are recorded
// and the posting stays eligible for the next run.
func (p *Pipeline) notifyStage(ctx context.Context, result *core.RunResult, fresh []core.Posting) (sentIDs []string, failures int) {
	ctx, span := p.tracer.Start(ctx, "pipeline.notify")
	defer span.End()

	summary := notify.Summary{
		Profile:     p.cfg.Profile,
		Fetched:     result.FetchedCount,
		Filtered:    result.FilteredCount,
		New:         result.NewCount,
		DropReasons: result.DropReasons,
	}

	delivered := map[string]bool{}
	failedIDs := map[string]bool{}
	for _, notifier := range p.cfg.Notifiers {
		deliveryResult, err := notifier.Notify(ctx, summary, fresh)
		if err != nil {
			p.logger.Warn("notifier unavailable", slog.String("notifier", notifier.Name()), slog.String("error", err.Error()))
			result.RecordError(core.StageNotify, fmt.Errorf("%s: %w", notifier.Name(), err))
			for _, posting := range fresh {
				failedIDs[posting.ID] = true
			}
			continue
		}
		for _, id := range deliveryResult.Sent {
			delivered[id] = true
		}
		for id, sendErr := range deliveryResult.Failed {
			failedIDs[id] = true
			result.RecordError(core.StageNotify, fmt.Errorf("%s: posting %s: %w", notifier.Name(), id, sendErr))
		}
	}

	// Preserve input order in the committed IDs.
	for _, posting := range fresh {
		if delivered[posting.ID] {
			sentIDs = append(sentIDs, posting.ID)
		} else if failedIDs[posting.ID] {
			failures++
		}
	}
	span.SetAttributes(
		attribute.Int("postings.sent", len(sentIDs)),
		attribute.Int("postings.failed", failures))
	return sentIDs, failures
}

// commitStage marks the delivered postings as seen and persists the set.
// Postings that failed delivery are not committed so they retry next run.
func (p *Pipeline) commitStage(ctx context.Context, set seen.Set, sentIDs []string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.commit")
	defer span.End()

	added := seen.Commit(set, sentIDs, p.now())
	span.SetAttributes(attribute.Int("seen.added", added))
	if err := p.cfg.Store.Persist(ctx, set); err != nil {
		var storeErr *core.SeenStoreError
		if errors.As(err, &storeErr) {
			return err
		}
		return &core.SeenStoreError{Err: err}
	}
	return nil
}
