package config

import (
	"fmt"
	"net/mail"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the top-level structure of a jobwatch.yaml file. A document
// holds one or more named profiles; each profile is a full configuration
// instance of the same pipeline (its own filter rules, seen store and
// notification target).
type Document struct {
	Profiles []Profile `yaml:"profiles"`
}

// Profile configures one end-to-end pipeline instance.
type Profile struct {
	Name string `yaml:"name"`
	// Schedule is a cron expression used only in daemon mode. Run-once
	// invocations ignore it; the external scheduler owns timing then.
	Schedule string         `yaml:"schedule,omitempty"`
	Query    Query          `yaml:"query"`
	Sources  []SourceConfig `yaml:"sources"`
	Filter   FilterConfig   `yaml:"filter,omitempty"`
	Store    StoreConfig    `yaml:"store"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// Query holds the search parameters handed to each source.
type Query struct {
	SearchTerms      []string `yaml:"search_terms"`
	Location         string   `yaml:"location,omitempty"`
	RemoteOnly       bool     `yaml:"remote_only,omitempty"`
	ResultsWanted    int      `yaml:"results_wanted,omitempty"`
	MaxAge           Duration `yaml:"max_age,omitempty"`
	ExperienceLevels []string `yaml:"experience_levels,omitempty"`
}

// SourceConfig wraps the supported source types.
type SourceConfig struct {
	JobAPI *JobAPISource `yaml:"jobapi,omitempty"`
	RSS    *RSSSource    `yaml:"rss,omitempty"`
	Board  *BoardSource  `yaml:"board,omitempty"`
}

// JobAPISource points at the external scrape service.
type JobAPISource struct {
	BaseURL string `yaml:"base_url,omitempty"`
	// Sites restricts which boards the scrape service queries.
	Sites []string `yaml:"sites,omitempty"`
	// MaxConcurrency bounds parallel per-term requests. Defaults to 5.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`
}

// RSSSource reads job postings from board RSS/Atom feeds.
type RSSSource struct {
	Feeds []string `yaml:"feeds"`
	Limit int      `yaml:"limit,omitempty"`
}

// BoardSource scrapes an HTML listing page with CSS selectors.
type BoardSource struct {
	Name      string         `yaml:"name"`
	URL       string         `yaml:"url"`
	Selectors BoardSelectors `yaml:"selectors"`
}

// BoardSelectors locates posting fields inside a listing page. Item selects
// one element per posting; the remaining selectors are evaluated relative to
// the item.
type BoardSelectors struct {
	Item     string `yaml:"item"`
	Title    string `yaml:"title"`
	Company  string `yaml:"company"`
	Location string `yaml:"location,omitempty"`
	Link     string `yaml:"link,omitempty"`
}

// FilterConfig is the rule set deciding which postings are alert-worthy.
// Deny rules always take precedence over allow rules.
type FilterConfig struct {
	AllowKeywords  []string `yaml:"allow_keywords,omitempty"`
	DenyKeywords   []string `yaml:"deny_keywords,omitempty"`
	AllowCompanies []string `yaml:"allow_companies,omitempty"`
	DenyCompanies  []string `yaml:"deny_companies,omitempty"`
	Locations      []string `yaml:"locations,omitempty"`
	MaxAge         Duration `yaml:"max_age,omitempty"`
	// Rule is an optional expression evaluated against each posting after
	// the list rules; a posting is dropped when it evaluates to true.
	Rule string `yaml:"rule,omitempty"`
}

// StoreConfig selects and configures the seen-set backend.
type StoreConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend    string   `yaml:"backend,omitempty"`
	Path       string   `yaml:"path"`
	Retention  Duration `yaml:"retention,omitempty"`
	MaxEntries int      `yaml:"max_entries,omitempty"`
}

// NotifyConfig wraps the supported notification targets.
type NotifyConfig struct {
	Slack *SlackNotify `yaml:"slack,omitempty"`
	Email *EmailNotify `yaml:"email,omitempty"`
	// WhenEmpty sends a "no new postings" message on runs that find nothing.
	WhenEmpty bool `yaml:"when_empty,omitempty"`
}

// SlackNotify delivers one webhook message per posting plus a stats header.
type SlackNotify struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
	// WebhookEnv names an environment variable holding the webhook URL, so
	// the secret stays out of the config file.
	WebhookEnv  string   `yaml:"webhook_env,omitempty"`
	MinInterval Duration `yaml:"min_interval,omitempty"`
	Attempts    int      `yaml:"attempts,omitempty"`
}

// EmailNotify delivers one digest email per run.
type EmailNotify struct {
	To           string `yaml:"to"`
	From         string `yaml:"from"`
	Subject      string `yaml:"subject,omitempty"`
	SMTPHost     string `yaml:"smtp_host,omitempty"`
	SMTPPort     int    `yaml:"smtp_port,omitempty"`
	SMTPUser     string `yaml:"smtp_user,omitempty"`
	SMTPPassword string `yaml:"smtp_password,omitempty"`
	TLSMode      string `yaml:"tls_mode,omitempty"`
}

// Load reads and validates a jobwatch document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse jobwatch document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Profile returns the named profile, or the only profile when name is empty.
func (d *Document) Profile(name string) (*Profile, error) {
	if name == "" {
		if len(d.Profiles) == 1 {
			return &d.Profiles[0], nil
		}
		return nil, fmt.Errorf("profile name is required when multiple profiles are configured")
	}
	for i := range d.Profiles {
		if d.Profiles[i].Name == name {
			return &d.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("unknown profile %q", name)
}

// Validate checks structural requirements across all profiles.
func (d *Document) Validate() error {
	if len(d.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	seen := map[string]bool{}
	for i := range d.Profiles {
		p := &d.Profiles[i]
		if p.Name == "" {
			return fmt.Errorf("profile %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
	}
	return nil
}

func (p *Profile) validate() error {
	if len(p.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i, src := range p.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}
	if p.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	switch strings.ToLower(p.Store.Backend) {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("unsupported store backend %q (expected file or sqlite)", p.Store.Backend)
	}
	if p.Store.MaxEntries < 0 {
		return fmt.Errorf("store max_entries must be >= 0")
	}
	return p.Notify.validate()
}

func (s *SourceConfig) validate() error {
	count := 0
	if s.JobAPI != nil {
		count++
	}
	if s.RSS != nil {
		count++
		if len(s.RSS.Feeds) == 0 {
			return fmt.Errorf("rss source requires at least one feed")
		}
	}
	if s.Board != nil {
		count++
		if s.Board.URL == "" {
			return fmt.Errorf("board source requires a url")
		}
		if s.Board.Selectors.Item == "" || s.Board.Selectors.Title == "" || s.Board.Selectors.Company == "" {
			return fmt.Errorf("board source requires item, title and company selectors")
		}
	}
	if count != 1 {
		return fmt.Errorf("exactly one source type must be set")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Slack == nil && n.Email == nil {
		return fmt.Errorf("a notify target (slack or email) is required")
	}
	if n.Slack != nil {
		if n.Slack.WebhookURL == "" && n.Slack.WebhookEnv == "" {
			return fmt.Errorf("slack notify requires webhook_url or webhook_env")
		}
		if n.Slack.Attempts < 0 {
			return fmt.Errorf("slack attempts must be >= 0")
		}
	}
	if n.Email != nil {
		if n.Email.To == "" {
			return fmt.Errorf("email notify requires a to address")
		}
		if _, err := mail.ParseAddressList(n.Email.To); err != nil {
			return fmt.Errorf("invalid email to address %q: %w", n.Email.To, err)
		}
		if n.Email.From != "" {
			if _, err := mail.ParseAddress(n.Email.From); err != nil {
				return fmt.Errorf("invalid email from address %q: %w", n.Email.From, err)
			}
		}
	}
	return nil
}

// ResolveWebhookURL returns the webhook URL, reading the named environment
// variable when webhook_env is set.
func (s *SlackNotify) ResolveWebhookURL() (string, error) {
	if s.WebhookURL != "" {
		return s.WebhookURL, nil
	}
	if s.WebhookEnv != "" {
		if v := strings.TrimSpace(os.Getenv(s.WebhookEnv)); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s is empty", s.WebhookEnv)
	}
	return "", fmt.Errorf("slack webhook url is not configured")
}
