// Package board scrapes an HTML job-board listing page with configured CSS
// selectors, for boards that offer neither an API nor a feed.
package board

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/retry"
	"jobwatch/internal/source"
)

type Scraper struct {
	name       string
	pageURL    string
	selectors  config.BoardSelectors
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewScraper(cfg *config.BoardSource, timeout time.Duration, userAgent string, logger *slog.Logger) (*Scraper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("board config is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("board url is required")
	}
	if cfg.Selectors.Item == "" || cfg.Selectors.Title == "" || cfg.Selectors.Company == "" {
		return nil, fmt.Errorf("board selectors item, title and company are required")
	}
	name := cfg.Name
	if name == "" {
		name = "board"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		name:       name,
		pageURL:    cfg.URL,
		selectors:  cfg.Selectors,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (s *Scraper) Name() string { return s.name }

func (s *Scraper) Fetch(ctx context.Context, query source.Query) ([]core.Posting, error) {
	var doc *goquery.Document
	err := retry.Do(ctx, retry.Config{Attempts: 3, BaseDelay: 500 * time.Millisecond}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Permanent(err)
			}
			return err
		}
		parsed, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("parse listing page: %w", err))
		}
		doc = parsed
		return nil
	})
	if err != nil {
		return nil, &core.SourceError{Source: s.name, Err: err}
	}

	var postings []core.Posting
	dropped := 0
	limit := query.ResultsWanted
	doc.Find(s.selectors.Item).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		if limit > 0 && len(postings) >= limit {
			return false
		}
		p, ok := s.toPosting(item)
		if !ok {
			dropped++
			return true
		}
		postings = append(postings, p)
		return true
	})
	if dropped > 0 {
		s.logger.Warn("dropped malformed listing items", slog.String("board", s.name), slog.Int("count", dropped))
	}
	return postings, nil
}

func (s *Scraper) toPosting(item *goquery.Selection) (core.Posting, bool) {
	title := strings.TrimSpace(item.Find(s.selectors.Title).First().Text())
	company := strings.TrimSpace(item.Find(s.selectors.Company).First().Text())
	if title == "" || company == "" {
		return core.Posting{}, false
	}

	p := core.Posting{
		Title:   title,
		Company: company,
		Source:  s.name,
	}
	if s.selectors.Location != "" {
		p.Location = strings.TrimSpace(item.Find(s.selectors.Location).First().Text())
	}
	if s.selectors.Link != "" {
		if href, ok := item.Find(s.selectors.Link).First().Attr("href"); ok {
			p.URL = s.absoluteURL(href)
		}
	}
	p.Normalize()
	return p, true
}

func (s *Scraper) absoluteURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	base, err := url.Parse(s.pageURL)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
