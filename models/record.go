package models

import (
	"strings"
	"time"
)

// CandidateRecord is one planning application parsed from a result page.
// ExternalID is site-scoped; (Site, ExternalID) is globally unique.
type CandidateRecord struct {
	ExternalID      string    `json:"external_id"`
	Site            string    `json:"site"`
	Title           string    `json:"title"`
	Address         string    `json:"address,omitempty"`
	Status          string    `json:"status,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at,omitzero"`
	SourceURL       string    `json:"source_url,omitempty"`
	MatchedKeywords []string  `json:"matched_keywords"`

	// DetailText is the main text of the record's detail page, when fetched.
	DetailText string `json:"-"`

	ScrapedAt time.Time `json:"scraped_at,omitzero"`
}

// Key is the store identity of the record.
func (r *CandidateRecord) Key() string {
	return r.Site + "|" + r.ExternalID
}

// SearchText is the free text a keyword matcher scores.
func (r *CandidateRecord) SearchText() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{r.Title, r.Address, r.DetailText} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// RecordFilter narrows a stored-record query.
type RecordFilter struct {
	Site    string
	Keyword string
	From    time.Time
	To      time.Time
	Limit   int // default: 100
}
