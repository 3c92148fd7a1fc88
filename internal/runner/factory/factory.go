// Package factory assembles a runnable pipeline from a profile and the
// process environment. YAML settings win; env values fill the gaps that do
// not belong in a versioned config file (secrets, timeouts, endpoints).
package factory

import (
	"fmt"
	"log/slog"

	"jobwatch/internal/config"
	"jobwatch/internal/filter"
	"jobwatch/internal/notify"
	"jobwatch/internal/notify/email"
	"jobwatch/internal/notify/slack"
	"jobwatch/internal/runner"
	"jobwatch/internal/seen"
	"jobwatch/internal/source"
	"jobwatch/internal/source/board"
	"jobwatch/internal/source/jobapi"
	"jobwatch/internal/source/rss"
)

func New(profile *config.Profile, env config.EnvConfig, logger *slog.Logger) (*runner.Pipeline, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fetchers, err := buildFetchers(profile, env, logger)
	if err != nil {
		return nil, err
	}
	engine, err := filter.New(profile.Filter)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(profile.Store)
	if err != nil {
		return nil, err
	}
	notifiers, err := buildNotifiers(profile.Notify, env, logger)
	if err != nil {
		return nil, err
	}

	return runner.New(runner.Config{
		Profile: profile.Name,
		Query: source.Query{
			SearchTerms:      profile.Query.SearchTerms,
			Location:         profile.Query.Location,
			RemoteOnly:       profile.Query.RemoteOnly,
			ResultsWanted:    profile.Query.ResultsWanted,
			MaxAgeHours:      int(profile.Query.MaxAge.Std().Hours()),
			ExperienceLevels: profile.Query.ExperienceLevels,
		},
		Fetchers:  fetchers,
		Filter:    engine,
		Store:     store,
		Notifiers: notifiers,
		Logger:    logger,
	})
}

func buildFetchers(profile *config.Profile, env config.EnvConfig, logger *slog.Logger) ([]source.Fetcher, error) {
	fetchers := make([]source.Fetcher, 0, len(profile.Sources))
	for i, src := range profile.Sources {
		switch {
		case src.JobAPI != nil:
			baseURL := src.JobAPI.BaseURL
			if baseURL == "" {
				baseURL = env.JobAPI.BaseURL
			}
			client, err := jobapi.NewClient(baseURL, env.JobAPI.APIKey, src.JobAPI.Sites,
				src.JobAPI.MaxConcurrency, env.JobAPI.HTTPTimeout, env.JobAPI.UserAgent, logger)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			fetchers = append(fetchers, client)
		case src.RSS != nil:
			fetcher, err := rss.NewFetcher(src.RSS.Feeds, src.RSS.Limit,
				env.RSS.HTTPTimeout, env.RSS.UserAgent, logger)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			fetchers = append(fetchers, fetcher)
		case src.Board != nil:
			scraper, err := board.NewScraper(src.Board, env.Board.HTTPTimeout, env.Board.UserAgent, logger)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			fetchers = append(fetchers, scraper)
		default:
			return nil, fmt.Errorf("source %d: no source type configured", i)
		}
	}
	return fetchers, nil
}

func buildStore(cfg config.StoreConfig) (seen.Store, error) {
	switch cfg.Backend {
	case "", "file":
		return seen.NewFileStore(cfg.Path, cfg.Retention.Std(), cfg.MaxEntries)
	case "sqlite":
		return seen.NewSQLiteStore(cfg.Path, cfg.Retention.Std())
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func buildNotifiers(cfg config.NotifyConfig, env config.EnvConfig, logger *slog.Logger) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier
	if cfg.Slack != nil {
		slackCfg := *cfg.Slack
		if slackCfg.WebhookURL == "" && slackCfg.WebhookEnv == "" {
			slackCfg.WebhookURL = env.Slack.WebhookURL
		}
		sender, err := slack.NewSender(&slackCfg, cfg.WhenEmpty, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, sender)
	}
	if cfg.Email != nil {
		emailCfg := mergeSMTPDefaults(*cfg.Email, env.SMTP)
		digest, err := email.NewDigest(&emailCfg, cfg.WhenEmpty, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, digest)
	}
	if len(notifiers) == 0 {
		return nil, fmt.Errorf("no notify target configured")
	}
	return notifiers, nil
}

// mergeSMTPDefaults fills empty SMTP fields from the environment so per-profile
// overrides in the document still take effect.
func mergeSMTPDefaults(cfg config.EmailNotify, env config.SMTPEnvConfig) config.EmailNotify {
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = env.Host
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = env.Port
	}
	if cfg.SMTPUser == "" {
		cfg.SMTPUser = env.User
	}
	if cfg.SMTPPassword == "" {
		cfg.SMTPPassword = env.Password
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = env.TLSMode
	}
	return cfg
}
