// Package email delivers one digest email per run, with postings grouped
// by company.
package email

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"

	gomail "github.com/wneessen/go-mail"
	"github.com/yuin/goldmark"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
	"jobwatch/internal/notify"
)

const defaultSMTPPort = 587

// sendFunc abstracts the SMTP round trip so tests can capture the message.
type sendFunc func(ctx context.Context, msg *gomail.Msg) error

type Digest struct {
	to        []string
	from      string
	subject   string
	whenEmpty bool
	send      sendFunc
	logger    *slog.Logger
}

func NewDigest(cfg *config.EmailNotify, whenEmpty bool, logger *slog.Logger) (*Digest, error) {
	if cfg == nil {
		return nil, fmt.Errorf("email config is required")
	}
	addrs, err := mail.ParseAddressList(cfg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", cfg.To, err)
	}
	to := make([]string, 0, len(addrs))
	for _, a := range addrs {
		to = append(to, a.Address)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email from address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Digest{
		to:        to,
		from:      cfg.From,
		subject:   cfg.Subject,
		whenEmpty: whenEmpty,
		logger:    logger,
	}
	d.send, err = smtpSender(cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func smtpSender(cfg *config.EmailNotify) (sendFunc, error) {
	host := cfg.SMTPHost
	if host == "" {
		return nil, fmt.Errorf("smtp_host is required")
	}
	port := cfg.SMTPPort
	if port <= 0 {
		port = defaultSMTPPort
	}
	opts := []gomail.Option{gomail.WithPort(port)}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.SMTPUser),
			gomail.WithPassword(cfg.SMTPPassword))
	}
	switch strings.ToLower(cfg.TLSMode) {
	case "", "mandatory":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	case "opportunistic":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		return nil, fmt.Errorf("unsupported tls_mode %q", cfg.TLSMode)
	}
	return func(ctx context.Context, msg *gomail.Msg) error {
		client, err := gomail.NewClient(host, opts...)
		if err != nil {
			return err
		}
		return client.DialAndSendWithContext(ctx, msg)
	}, nil
}

func (d *Digest) Name() string { return "email" }

// Notify sends the whole batch as a single email. Delivery is atomic at the
// message level: either every posting was delivered or none was, so the
// result holds either all IDs in Sent or all in Failed.
func (d *Digest) Notify(ctx context.Context, summary notify.Summary, postings []core.Posting) (notify.Result, error) {
	var result notify.Result

	if len(postings) == 0 && !d.whenEmpty {
		return result, nil
	}

	msg, err := d.compose(summary, postings)
	if err != nil {
		return result, &core.NotifyError{Err: err}
	}
	if err := d.send(ctx, msg); err != nil {
		deliveryErr := &core.NotifyError{Transient: true, Err: err}
		if len(postings) == 0 {
			return result, deliveryErr
		}
		for _, p := range postings {
			result.AddFailure(p.ID, deliveryErr)
		}
		return result, nil
	}
	for _, p := range postings {
		result.Sent = append(result.Sent, p.ID)
	}
	return result, nil
}

func (d *Digest) compose(summary notify.Summary, postings []core.Posting) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(d.to...); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	msg.Subject(d.subjectLine(summary, len(postings)))

	markdown := renderMarkdown(summary, postings)
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &html); err != nil {
		return nil, fmt.Errorf("render digest: %w", err)
	}
	msg.SetBodyString(gomail.TypeTextPlain, markdown)
	msg.AddAlternativeString(gomail.TypeTextHTML, html.String())
	return msg, nil
}

func (d *Digest) subjectLine(summary notify.Summary, count int) string {
	if d.subject != "" {
		return d.subject
	}
	if count == 0 {
		return fmt.Sprintf("[%s] no new postings", summary.Profile)
	}
	return fmt.Sprintf("[%s] %d new job postings", summary.Profile, count)
}

// renderMarkdown builds the digest body: run stats up top, then postings
// grouped by company in alphabetical order.
func renderMarkdown(summary notify.Summary, postings []core.Posting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", summary.Profile)
	fmt.Fprintf(&b, "%d fetched, %d matched filters, %d new.\n\n", summary.Fetched, summary.Filtered, summary.New)

	if len(postings) == 0 {
		b.WriteString("No new postings this run.\n")
		return b.String()
	}

	byCompany := map[string][]core.Posting{}
	for _, p := range postings {
		byCompany[p.Company] = append(byCompany[p.Company], p)
	}
	companies := make([]string, 0, len(byCompany))
	for company := range byCompany {
		companies = append(companies, company)
	}
	sort.Strings(companies)

	for _, company := range companies {
		fmt.Fprintf(&b, "## %s\n\n", company)
		for _, p := range byCompany[company] {
			if p.URL != "" {
				fmt.Fprintf(&b, "- [%s](%s)", p.Title, p.URL)
			} else {
				fmt.Fprintf(&b, "- %s", p.Title)
			}
			if p.Location != "" {
				fmt.Fprintf(&b, " (%s)", p.Location)
			}
			if !p.PostedAt.IsZero() {
				fmt.Fprintf(&b, ", posted %s", p.PostedAt.Format("2006-01-02"))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
