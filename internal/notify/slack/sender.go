// Package slack posts run results to a Slack incoming webhook: one stats
// header per run followed by one message per posting.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/notify"
	"jobwatch/internal/retry"
)

const (
	defaultAttempts    = 3
	defaultMinInterval = time.Second
)

type Sender struct {
	webhookURL string
	whenEmpty  bool
	attempts   int
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger
}

func NewSender(cfg *config.SlackNotify, whenEmpty bool, logger *slog.Logger) (*Sender, error) {
	if cfg == nil {
		return nil, fmt.Errorf("slack config is required")
	}
	webhookURL, err := cfg.ResolveWebhookURL()
	if err != nil {
		return nil, err
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	minInterval := time.Duration(cfg.MinInterval)
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		webhookURL: webhookURL,
		whenEmpty:  whenEmpty,
		attempts:   attempts,
		limiter:    rate.NewLimiter(rate.Every(minInterval), 1),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}, nil
}

func (s *Sender) Name() string { return "slack" }

// Notify posts the stats header and then one message per posting. Each
// posting's delivery outcome is tracked separately; a failed header is
// logged but does not block the postings behind it.
func (s *Sender) Notify(ctx context.Context, summary notify.Summary, postings []core.Posting) (notify.Result, error) {
	var result notify.Result

	if len(postings) == 0 {
		if s.whenEmpty {
			if err := s.post(ctx, emptyMessage(summary)); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	if err := s.post(ctx, headerMessage(summary)); err != nil {
		s.logger.Warn("stats header not delivered", slog.String("error", err.Error()))
	}

	for _, p := range postings {
		if err := s.post(ctx, postingMessage(p)); err != nil {
			if ctx.Err() != nil {
				result.AddFailure(p.ID, err)
				return result, ctx.Err()
			}
			s.logger.Warn("posting not delivered",
				slog.String("id", p.ID),
				slog.String("title", p.Title),
				slog.String("error", err.Error()))
			result.AddFailure(p.ID, err)
			continue
		}
		result.Sent = append(result.Sent, p.ID)
	}
	return result, nil
}

// post delivers one webhook payload with bounded retry. 429 and 5xx are
// retried; other 4xx responses mean the payload will never be accepted.
func (s *Sender) post(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return &core.NotifyError{Err: err}
	}

	err = retry.Do(ctx, retry.Config{Attempts: s.attempts, BaseDelay: time.Second, MaxDelay: 30 * time.Second}, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		statusErr := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(&core.NotifyError{Err: statusErr})
		}
		return statusErr
	})
	if err != nil {
		var notifyErr *core.NotifyError
		if errors.As(err, &notifyErr) {
			return err
		}
		return &core.NotifyError{Transient: true, Err: err}
	}
	return nil
}

func headerMessage(summary notify.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":mag: *%s* scan complete: %d fetched, %d matched filters, %d new",
		summary.Profile, summary.Fetched, summary.Filtered, summary.New)
	if len(summary.DropReasons) > 0 {
		reasons := make([]string, 0, len(summary.DropReasons))
		for reason := range summary.DropReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			parts = append(parts, fmt.Sprintf("%s %d", reason, summary.DropReasons[reason]))
		}
		fmt.Fprintf(&b, "\nDropped: %s", strings.Join(parts, ", "))
	}
	return b.String()
}

func postingMessage(p core.Posting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* at *%s*", p.Title, p.Company)
	if p.Location != "" {
		fmt.Fprintf(&b, "\n:round_pushpin: %s", p.Location)
	}
	if !p.PostedAt.IsZero() {
		fmt.Fprintf(&b, "\n:calendar: posted %s", p.PostedAt.Format("2006-01-02"))
	}
	if p.URL != "" {
		fmt.Fprintf(&b, "\n<%s|Apply>", p.URL)
	}
	fmt.Fprintf(&b, "\n_via %s_", p.Source)
	return b.String()
}

func emptyMessage(summary notify.Summary) string {
	return fmt.Sprintf(":zzz: *%s*: no new postings this run (%d fetched, %d matched filters)",
		summary.Profile, summary.Fetched, summary.Filtered)
}
