package models

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Engine names accepted in site definitions.
const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"
)

// Site is one portal definition. Immutable after configuration load.
type Site struct {
	// Name identifies the site in logs, summaries and the record store.
	Name string `yaml:"name" json:"name"`

	// BaseURL is the portal root, e.g. https://planning.example.gov.uk.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// SearchURL overrides the adapter's default search page location.
	SearchURL string `yaml:"search_url,omitempty" json:"search_url,omitempty"`

	// Adapter selects the SiteAdapter implementation from the registry.
	Adapter string `yaml:"adapter" json:"adapter"` // default: "idox"

	// Engine selects the transport: "http" or "browser".
	Engine string `yaml:"engine" json:"engine"` // default: "http"

	// MinInterval is the minimum spacing between requests to this site.
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"` // default: 2s

	// FetchDetails enables per-record detail page enrichment.
	FetchDetails bool `yaml:"fetch_details" json:"fetch_details"`

	// MaxDetails bounds detail fetches per task; 0 means no limit.
	MaxDetails int `yaml:"max_details" json:"max_details"`

	// Block holds site-specific block page signals, merged with the
	// adapter's defaults.
	Block BlockRules `yaml:"block" json:"block"`
}

// Host returns the lowercase host of BaseURL, or "" if it does not parse.
func (s Site) Host() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// BlockRules is the configuration form of a site's block/transient predicate.
type BlockRules struct {
	// Statuses are HTTP codes that are a definitive anti-bot signal.
	Statuses []int `yaml:"statuses" json:"statuses,omitempty"`

	// Phrases are case-insensitive body substrings that mark a block page.
	Phrases []string `yaml:"phrases" json:"phrases,omitempty"`

	// Selectors are CSS selectors whose presence marks a block page.
	Selectors []string `yaml:"selectors" json:"selectors,omitempty"`

	// Fingerprints are hex DOM fingerprints of known block pages.
	Fingerprints []string `yaml:"fingerprints" json:"fingerprints,omitempty"`

	// FingerprintThreshold is the max Hamming distance for a fingerprint match.
	FingerprintThreshold int `yaml:"fingerprint_threshold" json:"fingerprint_threshold,omitempty"` // default: 3

	// TokenStatuses are HTTP codes meaning the session token was rejected.
	TokenStatuses []int `yaml:"token_statuses" json:"token_statuses,omitempty"`

	// TokenPhrases are body substrings meaning the session token was rejected.
	TokenPhrases []string `yaml:"token_phrases" json:"token_phrases,omitempty"`
}

// Merge returns the union of r and other. The larger threshold wins.
func (r BlockRules) Merge(other BlockRules) BlockRules {
	out := BlockRules{
		Statuses:             append(append([]int(nil), r.Statuses...), other.Statuses...),
		Phrases:              append(append([]string(nil), r.Phrases...), other.Phrases...),
		Selectors:            append(append([]string(nil), r.Selectors...), other.Selectors...),
		Fingerprints:         append(append([]string(nil), r.Fingerprints...), other.Fingerprints...),
		FingerprintThreshold: max(r.FingerprintThreshold, other.FingerprintThreshold),
		TokenStatuses:        append(append([]int(nil), r.TokenStatuses...), other.TokenStatuses...),
		TokenPhrases:         append(append([]string(nil), r.TokenPhrases...), other.TokenPhrases...),
	}
	return out
}

// DateRange restricts a search to applications received within [From, To].
// A zero bound is open.
type DateRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// IsZero reports whether neither bound is set.
func (d *DateRange) IsZero() bool {
	return d == nil || (d.From.IsZero() && d.To.IsZero())
}

// SearchRequest is one outgoing portal exchange. Built fresh per attempt.
type SearchRequest struct {
	Site      string
	Keyword   string
	DateRange *DateRange

	Method string
	URL    string
	Header http.Header
	Form   url.Values // encoded as the body of a POST
}

// RawResponse is the transport result of one exchange. Consumed immediately
// by classification and parsing, never retained.
type RawResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	Elapsed  time.Duration
	FinalURL string

	// Cookies set during the exchange, for transports that do not write
	// through a cookie jar.
	Cookies []*http.Cookie
}
