// Package rss reads job postings from board RSS/Atom feeds.
package rss

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"jobwatch/internal/core"
	"jobwatch/internal/retry"
	"jobwatch/internal/source"
)

type Fetcher struct {
	feeds  []string
	limit  int
	parser *gofeed.Parser
	logger *slog.Logger
}

func NewFetcher(feeds []string, limit int, timeout time.Duration, userAgent string, logger *slog.Logger) (*Fetcher, error) {
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = userAgent
	return &Fetcher{feeds: feeds, limit: limit, parser: parser, logger: logger}, nil
}

func (f *Fetcher) Name() string { return "rss" }

// Fetch pulls every configured feed. A single feed failing is tolerated
// when another delivered; all feeds failing is a total source failure.
func (f *Fetcher) Fetch(ctx context.Context, query source.Query) ([]core.Posting, error) {
	var postings []core.Posting
	failed := 0
	var firstErr error
	for _, feedURL := range f.feeds {
		items, err := f.fetchFeed(ctx, feedURL)
		if err != nil {
			f.logger.Warn("feed failed", slog.String("feed", feedURL), slog.String("error", err.Error()))
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		postings = append(postings, items...)
	}
	if failed == len(f.feeds) {
		return nil, &core.SourceError{Source: f.Name(), Err: firstErr}
	}
	return postings, nil
}

func (f *Fetcher) fetchFeed(ctx context.Context, feedURL string) ([]core.Posting, error) {
	var feed *gofeed.Feed
	err := retry.Do(ctx, retry.Config{Attempts: 3, BaseDelay: 200 * time.Millisecond}, func() error {
		parsed, err := f.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			return err
		}
		feed = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	limit := f.limit
	if limit <= 0 {
		limit = len(feed.Items)
	}

	postings := make([]core.Posting, 0, limit)
	dropped := 0
	for _, entry := range feed.Items {
		if len(postings) >= limit {
			break
		}
		p, ok := f.toPosting(feed, entry)
		if !ok {
			dropped++
			continue
		}
		postings = append(postings, p)
	}
	if dropped > 0 {
		f.logger.Warn("dropped malformed feed entries", slog.String("feed", feedURL), slog.Int("count", dropped))
	}
	return postings, nil
}

// toPosting maps a feed entry onto a posting. Job feeds commonly encode
// "Company: Title" in the entry title; entries without a recoverable company
// fall back to the feed title so a sparse feed still alerts.
func (f *Fetcher) toPosting(feed *gofeed.Feed, entry *gofeed.Item) (core.Posting, bool) {
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return core.Posting{}, false
	}

	company := ""
	if c, t, ok := strings.Cut(title, ":"); ok {
		company = strings.TrimSpace(c)
		title = strings.TrimSpace(t)
	}
	if company == "" && entry.Author != nil {
		company = strings.TrimSpace(entry.Author.Name)
	}
	if company == "" {
		company = strings.TrimSpace(feed.Title)
	}
	if title == "" || company == "" {
		return core.Posting{}, false
	}

	p := core.Posting{
		Title:       title,
		Company:     company,
		URL:         entry.Link,
		Description: entry.Description,
		Source:      f.Name(),
	}
	if entry.PublishedParsed != nil {
		p.PostedAt = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		p.PostedAt = *entry.UpdatedParsed
	}
	p.Normalize()
	return p, true
}
