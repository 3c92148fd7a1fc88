package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleDocument = `
profiles:
  - name: job-alert
    schedule: "0 * * * *"
    query:
      search_terms: ["security engineer", "soc analyst"]
      location: "United States"
      results_wanted: 15
      max_age: 1h
      experience_levels: ["entry level", "associate"]
    sources:
      - jobapi:
          sites: ["linkedin"]
    filter:
      allow_keywords: ["security", "soc", "infosec"]
      deny_keywords: ["senior", "manager", "director"]
      max_age: 2d
    store:
      path: state/seen_jobs.json
      retention: 30d
      max_entries: 1000
    notify:
      when_empty: true
      slack:
        webhook_env: SLACK_WEBHOOK_URL
        min_interval: 1s
        attempts: 3
  - name: elite-companies
    query:
      search_terms: ["cybersecurity"]
    sources:
      - rss:
          feeds: ["https://example.com/jobs.xml"]
    filter:
      allow_companies: ["Acme", "Initech"]
    store:
      backend: sqlite
      path: state/elite.db
      retention: 2w
    notify:
      email:
        to: alerts@example.com
        from: jobwatch@example.com
        subject: "New elite postings"
`

func parseDocument(t *testing.T, raw string) *Document {
	t.Helper()
	var doc Document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	return &doc
}

func TestDocumentParsesProfiles(t *testing.T) {
	doc := parseDocument(t, sampleDocument)
	if err := doc.Validate(); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
	if len(doc.Profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(doc.Profiles))
	}

	alert := doc.Profiles[0]
	if alert.Name != "job-alert" {
		t.Errorf("unexpected profile name %q", alert.Name)
	}
	if alert.Filter.MaxAge.Std() != 48*time.Hour {
		t.Errorf("expected 2d filter max_age, got %v", alert.Filter.MaxAge.Std())
	}
	if alert.Store.Retention.Std() != 30*24*time.Hour {
		t.Errorf("expected 30d retention, got %v", alert.Store.Retention.Std())
	}
	if alert.Notify.Slack == nil || alert.Notify.Slack.WebhookEnv != "SLACK_WEBHOOK_URL" {
		t.Error("expected slack webhook_env to be parsed")
	}

	elite := doc.Profiles[1]
	if elite.Store.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", elite.Store.Backend)
	}
	if elite.Notify.Email == nil || elite.Notify.Email.To != "alerts@example.com" {
		t.Error("expected email notify to be parsed")
	}
}

func TestProfileLookup(t *testing.T) {
	doc := parseDocument(t, sampleDocument)
	if _, err := doc.Profile("elite-companies"); err != nil {
		t.Fatalf("expected profile lookup to succeed: %v", err)
	}
	if _, err := doc.Profile(""); err == nil {
		t.Fatal("expected error selecting empty profile name with multiple profiles")
	}
	if _, err := doc.Profile("missing"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestValidateRejectsBrokenDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no profiles",
			doc:  `profiles: []`,
			want: "at least one profile",
		},
		{
			name: "duplicate names",
			doc: `
profiles:
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {path: a.json}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {path: b.json}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
`,
			want: "duplicate profile name",
		},
		{
			name: "missing store path",
			doc: `
profiles:
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {retention: 1d}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
`,
			want: "store path is required",
		},
		{
			name: "no notify target",
			doc: `
profiles:
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {path: a.json}
    notify: {}
`,
			want: "notify target",
		},
		{
			name: "two source types in one entry",
			doc: `
profiles:
  - name: a
    sources:
      - rss: {feeds: ["https://x/f.xml"]}
        jobapi: {}
    store: {path: a.json}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
`,
			want: "exactly one source type",
		},
		{
			name: "board missing selectors",
			doc: `
profiles:
  - name: a
    sources:
      - board:
          name: acme
          url: https://acme.example.com/careers
          selectors: {item: ".job"}
    store: {path: a.json}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
`,
			want: "title and company selectors",
		},
		{
			name: "bad email address",
			doc: `
profiles:
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {path: a.json}
    notify: {email: {to: "not an address"}}
`,
			want: "invalid email to address",
		},
		{
			name: "unknown store backend",
			doc: `
profiles:
  - name: a
    sources: [{rss: {feeds: ["https://x/f.xml"]}}]
    store: {path: a.json, backend: redis}
    notify: {slack: {webhook_url: "https://hooks.example.com/x"}}
`,
			want: "unsupported store backend",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := parseDocument(t, tc.doc)
			err := doc.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadReadsDocumentFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobwatch.yaml")
	if err := os.WriteFile(path, []byte(sampleDocument), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(doc.Profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(doc.Profiles))
	}
}

func TestResolveWebhookURLFromEnv(t *testing.T) {
	t.Setenv("TEST_WEBHOOK", "https://hooks.example.com/services/abc")
	s := SlackNotify{WebhookEnv: "TEST_WEBHOOK"}
	got, err := s.ResolveWebhookURL()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != "https://hooks.example.com/services/abc" {
		t.Fatalf("unexpected url %q", got)
	}

	t.Setenv("TEST_WEBHOOK", "")
	if _, err := s.ResolveWebhookURL(); err == nil {
		t.Fatal("expected error for empty env var")
	}
}
