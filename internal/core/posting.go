package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Posting is a single normalized job listing as it flows through the pipeline.
// Postings are ephemeral: they exist only within a run. The only thing that
// survives a run is the posting ID, recorded in the seen set once an alert
// for it has been delivered.
type Posting struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Company     string    `json:"company" yaml:"company"`
	Location    string    `json:"location,omitempty" yaml:"location,omitempty"`
	URL         string    `json:"url,omitempty" yaml:"url,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string    `json:"source" yaml:"source"`
	PostedAt    time.Time `json:"posted_at,omitzero" yaml:"posted_at,omitempty"`
}

// DerivePostingID builds a stable identifier from the fields that identify a
// listing. Two postings with the same derived ID are the same listing even
// when scraped on different runs, regardless of URL churn on the board side.
func DerivePostingID(source, title, company, location string) string {
	h := sha256.New()
	for _, part := range []string{source, title, company, location} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Normalize trims whitespace on the identity fields and fills the derived ID.
func (p *Posting) Normalize() {
	p.Title = strings.TrimSpace(p.Title)
	p.Company = strings.TrimSpace(p.Company)
	p.Location = strings.TrimSpace(p.Location)
	p.Source = strings.TrimSpace(p.Source)
	if p.ID == "" {
		p.ID = DerivePostingID(p.Source, p.Title, p.Company, p.Location)
	}
}
