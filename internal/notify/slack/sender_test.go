package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/notify"
)

type webhookRecorder struct {
	mu       sync.Mutex
	messages []string
	// fail maps a substring of the message text to the status code to return.
	fail map[string]int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for substr, status := range r.fail {
			if strings.Contains(payload.Text, substr) {
				http.Error(w, "refused", status)
				return
			}
		}
		r.messages = append(r.messages, payload.Text)
		w.WriteHeader(http.StatusOK)
	}
}

func (r *webhookRecorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func newTestSender(t *testing.T, url string, whenEmpty bool) *Sender {
	t.Helper()
	sender, err := NewSender(&config.SlackNotify{
		WebhookURL:  url,
		MinInterval: config.Duration(time.Millisecond),
		Attempts:    2,
	}, whenEmpty, nil)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	return sender
}

func samplePostings() []core.Posting {
	return []core.Posting{
		{ID: "id-1", Title: "Security Engineer", Company: "Acme", Location: "Remote", URL: "https://jobs.example.com/1", Source: "linkedin"},
		{ID: "id-2", Title: "SOC Analyst", Company: "Globex", Source: "indeed"},
	}
}

func TestNotifySendsHeaderAndOneMessagePerPosting(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sender := newTestSender(t, server.URL, false)
	summary := notify.Summary{Profile: "job-alert", Fetched: 10, Filtered: 4, New: 2, DropReasons: map[string]int{"deny_keyword": 3, "stale": 3}}
	result, err := sender.Notify(context.Background(), summary, samplePostings())
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(result.Sent) != 2 || len(result.Failed) != 0 {
		t.Fatalf("expected all postings sent, got %+v", result)
	}

	messages := recorder.received()
	if len(messages) != 3 {
		t.Fatalf("expected header plus 2 posting messages, got %d", len(messages))
	}
	header := messages[0]
	if !strings.Contains(header, "10 fetched") || !strings.Contains(header, "2 new") {
		t.Fatalf("header missing run stats: %q", header)
	}
	if !strings.Contains(header, "deny_keyword 3") {
		t.Fatalf("header missing drop reasons: %q", header)
	}
	if !strings.Contains(messages[1], "Security Engineer") || !strings.Contains(messages[1], "Acme") {
		t.Fatalf("unexpected first posting message: %q", messages[1])
	}
}

func TestNotifyRecordsPerPostingFailures(t *testing.T) {
	recorder := &webhookRecorder{fail: map[string]int{"SOC Analyst": http.StatusBadRequest}}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sender := newTestSender(t, server.URL, false)
	result, err := sender.Notify(context.Background(), notify.Summary{Profile: "job-alert", New: 2}, samplePostings())
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(result.Sent) != 1 || result.Sent[0] != "id-1" {
		t.Fatalf("expected only the first posting sent, got %+v", result.Sent)
	}
	failure, ok := result.Failed["id-2"]
	if !ok {
		t.Fatalf("expected id-2 in failed set, got %+v", result.Failed)
	}
	var notifyErr *core.NotifyError
	if !errors.As(failure, &notifyErr) || notifyErr.Transient {
		t.Fatalf("expected permanent NotifyError, got %v", failure)
	}
}

func TestNotifyRetriesRateLimitedPosts(t *testing.T) {
	var mu sync.Mutex
	rejected := false
	recorder := &webhookRecorder{}
	inner := recorder.handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		first := !rejected
		rejected = true
		mu.Unlock()
		if first {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		inner(w, req)
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL, false)
	result, err := sender.Notify(context.Background(), notify.Summary{Profile: "job-alert", New: 1}, samplePostings()[:1])
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(result.Sent) != 1 {
		t.Fatalf("expected retry to recover, got %+v", result)
	}
}

func TestNotifyEmptyRunSendsMessageOnlyWhenConfigured(t *testing.T) {
	recorder := &webhookRecorder{}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	silent := newTestSender(t, server.URL, false)
	if _, err := silent.Notify(context.Background(), notify.Summary{Profile: "job-alert"}, nil); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if got := recorder.received(); len(got) != 0 {
		t.Fatalf("expected no messages without when_empty, got %v", got)
	}

	chatty := newTestSender(t, server.URL, true)
	if _, err := chatty.Notify(context.Background(), notify.Summary{Profile: "job-alert", Fetched: 5, Filtered: 0}, nil); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	got := recorder.received()
	if len(got) != 1 || !strings.Contains(got[0], "no new postings") {
		t.Fatalf("expected a single empty-run message, got %v", got)
	}
}

func TestNotifyHeaderFailureDoesNotBlockPostings(t *testing.T) {
	recorder := &webhookRecorder{fail: map[string]int{"scan complete": http.StatusBadRequest}}
	server := httptest.NewServer(recorder.handler())
	defer server.Close()

	sender := newTestSender(t, server.URL, false)
	result, err := sender.Notify(context.Background(), notify.Summary{Profile: "job-alert", New: 2}, samplePostings())
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	if len(result.Sent) != 2 {
		t.Fatalf("expected postings delivered despite header failure, got %+v", result)
	}
}
