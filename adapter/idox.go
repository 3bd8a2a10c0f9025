package adapter

import (
	"bytes"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/session"
)

// IdoxName is the registry name of the Idox Public Access adapter.
const IdoxName = "idox"

// idoxDefaults are the block signals common to Idox Public Access portals.
// Site files add to these.
var idoxDefaults = models.BlockRules{
	Phrases: []string{
		"access denied",
		"request rejected",
		"you have been blocked",
	},
	TokenStatuses: []int{419},
	TokenPhrases: []string{
		"invalid csrf token",
		"your session has expired",
	},
}

var (
	refPattern      = regexp.MustCompile(`Ref\. No:\s*([^|]+)`)
	receivedPattern = regexp.MustCompile(`Received:\s*([^|]+)`)
	statusPattern   = regexp.MustCompile(`Status:\s*([^|]+)`)
)

// receivedLayouts are the date forms seen in Idox metaInfo lines.
var receivedLayouts = []string{
	"Mon 02 Jan 2006",
	"Mon 2 Jan 2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"02/01/2006",
	"2006-01-02",
}

// Idox drives the simple and advanced search of an Idox Public Access
// portal under {base}/online-applications/.
type Idox struct {
	site        models.Site
	base        *url.URL
	searchURL   string
	simpleURL   string
	advancedURL string
	rules       *classify.Rules
}

// NewIdox builds the adapter for site.
func NewIdox(site models.Site) (SiteAdapter, error) {
	base, err := url.Parse(site.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("idox: invalid base url %q", site.BaseURL)
	}
	rules, err := classify.Compile(idoxDefaults.Merge(site.Block))
	if err != nil {
		return nil, err
	}

	root := strings.TrimRight(base.String(), "/") + "/online-applications"
	searchURL := site.SearchURL
	if searchURL == "" {
		searchURL = root + "/search.do?action=simple&searchType=Application"
	}
	return &Idox{
		site:        site,
		base:        base,
		searchURL:   searchURL,
		simpleURL:   root + "/simpleSearchResults.do?action=firstPage",
		advancedURL: root + "/advancedSearchResults.do?action=firstPage",
		rules:       rules,
	}, nil
}

func (a *Idox) Name() string { return IdoxName }

// BootstrapRequest fetches the search page that carries the _csrf input.
func (a *Idox) BootstrapRequest() *models.SearchRequest {
	return &models.SearchRequest{
		Site:   a.site.Name,
		Method: http.MethodGet,
		URL:    a.searchURL,
		Header: http.Header{},
	}
}

// Token harvests the _csrf hidden input.
func (a *Idox) Token(raw *models.RawResponse) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return "", fmt.Errorf("idox: parse search page: %w", err)
	}
	token, ok := doc.Find(`input[name="_csrf"]`).First().Attr("value")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("idox: no _csrf token on search page")
	}
	return token, nil
}

// PrepareSearch posts the simple search form, or the advanced form when a
// date range is given.
func (a *Idox) PrepareSearch(st session.State, keyword string, dr *models.DateRange) (*models.SearchRequest, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("idox: empty keyword")
	}

	form := url.Values{}
	if st.CSRFToken != "" {
		form.Set("_csrf", st.CSRFToken)
	}
	form.Set("searchType", "Application")

	target := a.simpleURL
	if dr.IsZero() {
		form.Set("searchCriteria.caseStatus", "")
		form.Set("searchCriteria.simpleSearchString", keyword)
		form.Set("searchCriteria.simpleSearch", "true")
	} else {
		target = a.advancedURL
		form.Set("searchCriteria.description", keyword)
		form.Set("searchCriteria.receivedDateFrom", idoxDate(dr.From))
		form.Set("searchCriteria.receivedDateTo", idoxDate(dr.To))
	}

	h := http.Header{}
	h.Set("Referer", a.searchURL)
	return &models.SearchRequest{
		Site:      a.site.Name,
		Keyword:   keyword,
		DateRange: dr,
		Method:    http.MethodPost,
		URL:       target,
		Header:    h,
		Form:      form,
	}, nil
}

func (a *Idox) Classify(raw *models.RawResponse) classify.Verdict {
	return a.rules.Classify(raw)
}

// Parse reads ul#searchresults. The portal's "no results" and "too many
// results" notices parse as an empty page.
func (a *Idox) Parse(body []byte) (iter.Seq2[models.CandidateRecord, error], error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseablePage, err)
	}

	items := doc.Find("ul#searchresults li.searchresult")
	if items.Length() == 0 {
		text := strings.ToLower(doc.Text())
		switch {
		case strings.Contains(text, "too many results found"),
			strings.Contains(text, "no results"),
			strings.Contains(text, "no applications found"),
			doc.Find("ul#searchresults").Length() > 0:
			return func(func(models.CandidateRecord, error) bool) {}, nil
		}
		return nil, ErrUnparseablePage
	}

	return func(yield func(models.CandidateRecord, error) bool) {
		for i := range items.Length() {
			rec, err := a.parseItem(items.Eq(i))
			if err != nil {
				err = models.NewScrapeError(models.ErrCodeParse, fmt.Sprintf("result %d", i+1), err)
			}
			if !yield(rec, err) {
				return
			}
		}
	}, nil
}

func (a *Idox) parseItem(item *goquery.Selection) (models.CandidateRecord, error) {
	rec := models.CandidateRecord{Site: a.site.Name}

	link := item.Find("a.summaryLink").First()
	if link.Length() == 0 {
		return rec, fmt.Errorf("missing summary link")
	}
	if div := link.Find("div").First(); div.Length() > 0 {
		rec.Title = squash(div.Text())
	} else {
		rec.Title = squash(link.Text())
	}
	if href, ok := link.Attr("href"); ok && href != "" {
		if u, err := a.base.Parse(href); err == nil {
			rec.SourceURL = u.String()
		}
	}

	rec.Address = squash(item.Find("p.address").First().Text())

	meta := item.Find("p.metaInfo").First().Text()
	if m := refPattern.FindStringSubmatch(meta); m != nil {
		rec.ExternalID = squash(m[1])
	}
	if rec.ExternalID == "" {
		return rec, fmt.Errorf("missing reference number")
	}
	if m := receivedPattern.FindStringSubmatch(meta); m != nil {
		rec.SubmittedAt = parseReceived(squash(m[1]))
	}
	if m := statusPattern.FindStringSubmatch(meta); m != nil {
		rec.Status = squash(m[1])
	}
	return rec, nil
}

func parseReceived(s string) time.Time {
	for _, layout := range receivedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func idoxDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("02/01/2006")
}

// squash trims s and collapses internal whitespace runs.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
