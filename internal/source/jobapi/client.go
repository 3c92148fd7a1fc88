// Package jobapi wraps the external job-scrape service. The service fans a
// search out to the actual boards and returns loosely-shaped JSON records;
// this client is the normalization and validation boundary in front of it.
package jobapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobwatch/internal/core"
	"jobwatch/internal/retry"
	"jobwatch/internal/source"
)

const defaultMaxConcurrency = 5

type Client struct {
	baseURL        string
	apiKey         string
	sites          []string
	maxConcurrency int
	userAgent      string
	httpClient     *http.Client
	logger         *slog.Logger
}

func NewClient(baseURL, apiKey string, sites []string, maxConcurrency int, timeout time.Duration, userAgent string, logger *slog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("jobapi base url is required")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		sites:          sites,
		maxConcurrency: maxConcurrency,
		userAgent:      userAgent,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}, nil
}

func (c *Client) Name() string { return "jobapi" }

// Fetch runs one search per term with bounded concurrency and merges the
// results, deduplicating within the run (the same listing routinely matches
// several terms). Individual term failures are tolerated; every term failing
// is a total source failure.
func (c *Client) Fetch(ctx context.Context, query source.Query) ([]core.Posting, error) {
	terms := query.SearchTerms
	if len(terms) == 0 {
		terms = []string{""}
	}

	var mu sync.Mutex
	byID := map[string]bool{}
	var postings []core.Posting
	var termErrs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for _, term := range terms {
		g.Go(func() error {
			fetched, err := c.fetchTerm(gctx, term, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn("search term failed", slog.String("term", term), slog.String("error", err.Error()))
				termErrs = append(termErrs, fmt.Errorf("term %q: %w", term, err))
				return nil
			}
			for _, p := range fetched {
				if byID[p.ID] {
					continue
				}
				byID[p.ID] = true
				postings = append(postings, p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &core.SourceError{Source: c.Name(), Err: err}
	}
	if len(termErrs) == len(terms) {
		return nil, &core.SourceError{Source: c.Name(), Err: fmt.Errorf("all %d search terms failed, first: %w", len(terms), termErrs[0])}
	}
	return postings, nil
}

func (c *Client) fetchTerm(ctx context.Context, term string, query source.Query) ([]core.Posting, error) {
	params := url.Values{}
	if term != "" {
		params.Set("search_term", term)
	}
	if query.Location != "" {
		params.Set("location", query.Location)
	}
	if query.ResultsWanted > 0 {
		params.Set("results_wanted", strconv.Itoa(query.ResultsWanted))
	}
	if query.MaxAgeHours > 0 {
		params.Set("hours_old", strconv.Itoa(query.MaxAgeHours))
	}
	if query.RemoteOnly {
		params.Set("remote_only", "true")
	}
	for _, level := range query.ExperienceLevels {
		params.Add("experience_level", level)
	}
	for _, site := range c.sites {
		params.Add("site", site)
	}
	endpoint := c.baseURL + "/search?" + params.Encode()

	var body []byte
	err := retry.Do(ctx, retry.Config{Attempts: 3, BaseDelay: 500 * time.Millisecond}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
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
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.normalize(body)
}

// rawPosting mirrors the scrape service's record shape. Field presence and
// casing vary by upstream board, so everything is optional here and checked
// during normalization.
type rawPosting struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	JobURL      string `json:"job_url"`
	URL         string `json:"url"`
	Via         string `json:"via"`
	Site        string `json:"site"`
	Description string `json:"description"`
	DatePosted  string `json:"date_posted"`
}

type searchResponse struct {
	Jobs []rawPosting `json:"jobs"`
}

// normalize converts raw service records into postings. A record missing a
// required field (title or company) is dropped with a recorded warning,
// never a crash.
func (c *Client) normalize(body []byte) ([]core.Posting, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	postings := make([]core.Posting, 0, len(resp.Jobs))
	dropped := 0
	for _, raw := range resp.Jobs {
		p, err := c.toPosting(raw)
		if err != nil {
			dropped++
			c.logger.Warn("dropping malformed posting", slog.String("error", err.Error()))
			continue
		}
		postings = append(postings, p)
	}
	if dropped > 0 {
		c.logger.Warn("dropped malformed postings", slog.Int("count", dropped))
	}
	return postings, nil
}

func (c *Client) toPosting(raw rawPosting) (core.Posting, error) {
	src := strings.TrimSpace(raw.Via)
	if src == "" {
		src = strings.TrimSpace(raw.Site)
	}
	if src == "" {
		src = c.Name()
	}
	if strings.TrimSpace(raw.Title) == "" {
		return core.Posting{}, &core.ValidationError{Source: src, Field: "title"}
	}
	if strings.TrimSpace(raw.Company) == "" {
		return core.Posting{}, &core.ValidationError{Source: src, Field: "company"}
	}

	jobURL := raw.JobURL
	if jobURL == "" {
		jobURL = raw.URL
	}
	p := core.Posting{
		Title:       raw.Title,
		Company:     raw.Company,
		Location:    raw.Location,
		URL:         jobURL,
		Description: raw.Description,
		Source:      src,
		PostedAt:    parseDatePosted(raw.DatePosted),
	}
	p.Normalize()
	return p, nil
}

func parseDatePosted(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
