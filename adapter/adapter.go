// Package adapter defines the per-portal capability contract and the static
// registry that binds configured sites to implementations.
package adapter

import (
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/session"
)

// ErrUnparseablePage is returned by Parse when the body is not a result page
// at all (as opposed to a result page with some malformed entries).
var ErrUnparseablePage = errors.New("adapter: unparseable result page")

// SiteAdapter knows one portal's search form and result markup.
type SiteAdapter interface {
	// Name returns the adapter identifier used in site files.
	Name() string

	// PrepareSearch builds the outgoing request for one keyword, injecting
	// any session token the portal requires.
	PrepareSearch(st session.State, keyword string, dr *models.DateRange) (*models.SearchRequest, error)

	// Classify applies the site's block/transient signals to a response.
	Classify(raw *models.RawResponse) classify.Verdict

	// Parse returns a lazy, finite sequence over the page's records. A
	// malformed entry yields a non-nil error for that entry only; the
	// sequence continues. The outer error is ErrUnparseablePage when the
	// body is not a result page.
	Parse(body []byte) (iter.Seq2[models.CandidateRecord, error], error)
}

// Bootstrapper is implemented by adapters whose portal hands out a CSRF
// token on a search page that must be fetched before submitting.
type Bootstrapper interface {
	// BootstrapRequest builds the GET for the token-bearing page.
	BootstrapRequest() *models.SearchRequest

	// Token extracts the token from the bootstrap response.
	Token(raw *models.RawResponse) (string, error)
}

// Factory builds an adapter for one site.
type Factory func(site models.Site) (SiteAdapter, error)

// Registry maps adapter names to factories. Build one at startup; it is
// read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(IdoxName, NewIdox)
	return r
}

// Register adds a factory. A second registration of the same name replaces
// the first.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates the adapter selected by site.Adapter.
func (r *Registry) Build(site models.Site) (SiteAdapter, error) {
	f, ok := r.factories[site.Adapter]
	if !ok {
		return nil, models.ConfigError("site %q: unknown adapter %q (have %v)", site.Name, site.Adapter, r.Names())
	}
	a, err := f(site)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeConfiguration,
			fmt.Sprintf("site %q: build adapter %q", site.Name, site.Adapter), err)
	}
	return a, nil
}

// Bind builds an adapter for every site, keyed by site name.
func (r *Registry) Bind(sites []models.Site) (map[string]SiteAdapter, error) {
	out := make(map[string]SiteAdapter, len(sites))
	for _, s := range sites {
		a, err := r.Build(s)
		if err != nil {
			return nil, err
		}
		out[s.Name] = a
	}
	return out, nil
}
