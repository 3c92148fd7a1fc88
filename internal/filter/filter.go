package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"jobwatch/internal/config"
	"jobwatch/internal/core"
)

// Drop reasons, reported per run so operators can see why postings were
// pruned.
const (
	ReasonDenyKeyword  = "deny_keyword"
	ReasonDenyCompany  = "deny_company"
	ReasonAllowKeyword = "allow_keyword"
	ReasonAllowCompany = "allow_company"
	ReasonLocation     = "location"
	ReasonStale        = "stale"
	ReasonRule         = "rule"
)

// Drops is a per-reason histogram of filtered-out postings.
type Drops map[string]int

func (d Drops) Total() int {
	n := 0
	for _, c := range d {
		n += c
	}
	return n
}

// Engine applies a profile's rule set to postings. Filtering is a pure
// function of (postings, config, now): per posting, deny rules run first and
// exclude immediately, then allow rules (pass by default when none are
// configured), then the freshness window, then the optional drop expression.
// All list matching is case-insensitive substring matching.
type Engine struct {
	allowKeywords  []string
	denyKeywords   []string
	allowCompanies []string
	denyCompanies  []string
	locations      []string
	maxAge         time.Duration
	rule           *vm.Program
}

func New(cfg config.FilterConfig) (*Engine, error) {
	e := &Engine{
		allowKeywords:  lowerAll(cfg.AllowKeywords),
		denyKeywords:   lowerAll(cfg.DenyKeywords),
		allowCompanies: lowerAll(cfg.AllowCompanies),
		denyCompanies:  lowerAll(cfg.DenyCompanies),
		locations:      lowerAll(cfg.Locations),
		maxAge:         cfg.MaxAge.Std(),
	}
	if rule := strings.TrimSpace(cfg.Rule); rule != "" {
		program, err := expr.Compile(rule, expr.Env(ruleEnv(&core.Posting{}, time.Now())))
		if err != nil {
			return nil, fmt.Errorf("compile filter rule: %w", err)
		}
		e.rule = program
	}
	return e, nil
}

// Apply returns the postings that pass every rule plus the per-reason drop
// counts. Postings the rule expression cannot evaluate are kept; a broken
// custom rule must not silently eat alerts.
func (e *Engine) Apply(postings []core.Posting, now time.Time) ([]core.Posting, Drops) {
	kept := make([]core.Posting, 0, len(postings))
	drops := Drops{}
	for _, p := range postings {
		if reason, ok := e.evaluate(&p, now); !ok {
			drops[reason]++
			continue
		}
		kept = append(kept, p)
	}
	return kept, drops
}

func (e *Engine) evaluate(p *core.Posting, now time.Time) (string, bool) {
	text := matchText(p)
	company := strings.ToLower(p.Company)

	// Deny rules first; any match excludes regardless of allow matches.
	if containsAny(text, e.denyKeywords) {
		return ReasonDenyKeyword, false
	}
	if containsAny(company, e.denyCompanies) {
		return ReasonDenyCompany, false
	}

	if len(e.allowKeywords) > 0 && !containsAny(text, e.allowKeywords) {
		return ReasonAllowKeyword, false
	}
	if len(e.allowCompanies) > 0 && !containsAny(company, e.allowCompanies) {
		return ReasonAllowCompany, false
	}
	if len(e.locations) > 0 && !containsAny(strings.ToLower(p.Location), e.locations) {
		return ReasonLocation, false
	}

	// Freshness last: a posting with an unknown posted_at passes, since
	// boards frequently omit it and dropping those would lose real alerts.
	if e.maxAge > 0 && !p.PostedAt.IsZero() && now.Sub(p.PostedAt) > e.maxAge {
		return ReasonStale, false
	}

	if e.rule != nil {
		result, err := expr.Run(e.rule, ruleEnv(p, now))
		if err == nil {
			if drop, ok := result.(bool); ok && drop {
				return ReasonRule, false
			}
		}
	}
	return "", true
}

func ruleEnv(p *core.Posting, now time.Time) map[string]interface{} {
	ageHours := -1.0
	if !p.PostedAt.IsZero() {
		ageHours = now.Sub(p.PostedAt).Hours()
	}
	return map[string]interface{}{
		"title":       p.Title,
		"company":     p.Company,
		"location":    p.Location,
		"description": p.Description,
		"source":      p.Source,
		"url":         p.URL,
		"age_hours":   ageHours,
	}
}

func matchText(p *core.Posting) string {
	return strings.ToLower(p.Title + " " + p.Company + " " + p.Description + " " + p.Source)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
