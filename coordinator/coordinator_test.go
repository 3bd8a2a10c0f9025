package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/planscout/adapter"
	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/fetch"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/ratelimit"
	"github.com/use-agent/planscout/retry"
	"github.com/use-agent/planscout/session"
	"github.com/use-agent/planscout/store"
)

// lineAdapter is a minimal portal: GET /search?q=kw returns "#results"
// followed by "id|title[|href]" lines.
type lineAdapter struct {
	site  models.Site
	rules *classify.Rules
}

func newLineAdapter(site models.Site) (adapter.SiteAdapter, error) {
	rules, err := classify.Compile(site.Block)
	if err != nil {
		return nil, err
	}
	return &lineAdapter{site: site, rules: rules}, nil
}

func (a *lineAdapter) Name() string { return "lines" }

func (a *lineAdapter) PrepareSearch(_ session.State, kw string, _ *models.DateRange) (*models.SearchRequest, error) {
	return &models.SearchRequest{
		Site:    a.site.Name,
		Keyword: kw,
		Method:  http.MethodGet,
		URL:     a.site.BaseURL + "/search?q=" + url.QueryEscape(kw),
	}, nil
}

func (a *lineAdapter) Classify(raw *models.RawResponse) classify.Verdict { return a.rules.Classify(raw) }

func (a *lineAdapter) Parse(body []byte) (iter.Seq2[models.CandidateRecord, error], error) {
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) == 0 || lines[0] != "#results" {
		return nil, adapter.ErrUnparseablePage
	}
	return func(yield func(models.CandidateRecord, error) bool) {
		for _, line := range lines[1:] {
			f := strings.Split(line, "|")
			rec := models.CandidateRecord{Site: a.site.Name}
			var err error
			if len(f) < 2 {
				err = fmt.Errorf("malformed line %q", line)
			} else {
				rec.ExternalID, rec.Title = f[0], f[1]
				if len(f) > 2 {
					rec.SourceURL = a.site.BaseURL + f[2]
				}
			}
			if !yield(rec, err) {
				return
			}
		}
	}, nil
}

func testPolicy() *retry.Policy {
	return &retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		RepeatLimit: 2,
	}
}

type harness struct {
	store    *store.Memory
	sessions *session.Store
	sites    []models.Site
	adapters map[string]adapter.SiteAdapter
	cfg      Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		sessions: session.NewStore(0, 0),
		adapters: make(map[string]adapter.SiteAdapter),
	}
	t.Cleanup(h.sessions.Stop)
	h.cfg = Config{
		Limiter:      ratelimit.New(),
		Sessions:     h.sessions,
		Policy:       testPolicy(),
		Store:        h.store,
		Adapters:     h.adapters,
		Fetchers:     map[string]fetch.Fetcher{models.EngineHTTP: fetch.NewHTTPFetcher("", 0)},
		FetchTimeout: 5 * time.Second,
	}
	return h
}

func (h *harness) addSite(t *testing.T, site models.Site, build adapter.Factory) {
	t.Helper()
	if site.Engine == "" {
		site.Engine = models.EngineHTTP
	}
	ad, err := build(site)
	if err != nil {
		t.Fatalf("build adapter for %s: %v", site.Name, err)
	}
	h.sites = append(h.sites, site)
	h.adapters[site.Name] = ad
}

func (h *harness) run(t *testing.T, ctx context.Context, keywords ...string) *models.RunSummary {
	t.Helper()
	c, err := New(h.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := c.Run(ctx, h.sites, keywords, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return summary
}

// idoxPortal serves an Idox-style search page and result page.
type idoxPortal struct {
	gets, posts atomic.Int32
	lastToken   atomic.Value
	postStatus  func(n int32) int
	results     string
}

func (p *idoxPortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /online-applications/search.do", func(w http.ResponseWriter, r *http.Request) {
		n := p.gets.Add(1)
		fmt.Fprintf(w, `<html><body><form id="simpleSearchForm">
<input type="hidden" name="_csrf" value="tok-%d"></form></body></html>`, n)
	})
	mux.HandleFunc("POST /online-applications/simpleSearchResults.do", func(w http.ResponseWriter, r *http.Request) {
		n := p.posts.Add(1)
		r.ParseForm()
		p.lastToken.Store(r.PostForm.Get("_csrf"))
		if p.postStatus != nil {
			switch code := p.postStatus(n); code {
			case http.StatusOK:
			case 419:
				w.WriteHeader(code)
				fmt.Fprint(w, "<html><body>Invalid CSRF token</body></html>")
				return
			default:
				w.WriteHeader(code)
				fmt.Fprint(w, "<html><body>Bad gateway</body></html>")
				return
			}
		}
		fmt.Fprint(w, p.results)
	})
	return mux
}

const resultsA1 = `<html><body><ul id="searchresults">
<li class="searchresult">
  <a class="summaryLink" href="/online-applications/applicationDetails.do?keyVal=A1"><div>subsidence monitoring required</div></a>
  <p class="address">1 Test Road</p>
  <p class="metaInfo">Ref. No: A-1 | Received: Mon 05 Jan 2026 | Status: Registered</p>
</li></ul></body></html>`

func TestRun_EndToEnd(t *testing.T) {
	portalA := &idoxPortal{results: resultsA1}
	srvA := httptest.NewServer(portalA.handler())
	defer srvA.Close()

	var hitsB atomic.Int32
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		http.Error(w, "Forbidden", http.StatusForbidden)
	}))
	defer srvB.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "site-a", BaseURL: srvA.URL, Adapter: "idox"}, adapter.NewIdox)
	h.addSite(t, models.Site{Name: "site-b", BaseURL: srvB.URL, Adapter: "idox"}, adapter.NewIdox)

	summary := h.run(t, context.Background(), "monitoring")

	a := summary.Site("site-a")
	if a == nil || a.Status != models.StatusSuccess || len(a.Outcomes) != 1 {
		t.Fatalf("site-a = %+v", a)
	}
	oa := a.Outcomes[0]
	if oa.RecordsFound != 1 || oa.RecordsNew != 1 || oa.Attempts != 1 {
		t.Errorf("site-a outcome = %+v", oa)
	}
	if len(oa.MatchedKeywords) != 1 || oa.MatchedKeywords[0] != "monitoring" {
		t.Errorf("site-a matched = %v", oa.MatchedKeywords)
	}

	b := summary.Site("site-b")
	if b == nil || b.Status != models.StatusBlocked {
		t.Fatalf("site-b = %+v", b)
	}
	ob := b.Outcomes[0]
	if ob.RecordsFound != 0 || ob.Attempts != 3 {
		t.Errorf("site-b outcome = %+v, want 0 records and 3 attempts", ob)
	}
	if got := hitsB.Load(); got != 3 {
		t.Errorf("site-b saw %d requests, want 3", got)
	}

	if summary.Totals.SitesSucceeded != 1 || summary.Totals.SitesBlocked != 1 || summary.Totals.RecordsNew != 1 {
		t.Errorf("totals = %+v", summary.Totals)
	}
	if summary.Sites[0].Site != "site-a" {
		t.Errorf("summary not sorted: first site %q", summary.Sites[0].Site)
	}

	recs, _ := h.store.List(context.Background(), models.RecordFilter{})
	if len(recs) != 1 || recs[0].ExternalID != "A-1" || recs[0].Address != "1 Test Road" {
		t.Fatalf("stored = %+v", recs)
	}

	// Second run against the same store: nothing new.
	again := h.run(t, context.Background(), "monitoring")
	oa = again.Site("site-a").Outcomes[0]
	if oa.RecordsNew != 0 || oa.RecordsKnown != 1 {
		t.Errorf("rerun site-a = new %d known %d, want 0 and 1", oa.RecordsNew, oa.RecordsKnown)
	}
	if h.store.Len() != 1 {
		t.Errorf("store holds %d records after rerun", h.store.Len())
	}
	if got := len(h.store.Outcomes()); got != 4 {
		t.Errorf("run log holds %d outcomes, want 4", got)
	}
}

func TestRunWithID_TagsSummaryAndRunLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#results\nN-1|Noise monitoring scheme")
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "s", BaseURL: srv.URL}, newLineAdapter)
	c, err := New(h.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const id = "2f1c7a54-0000-4000-8000-000000000001"
	summary, err := c.RunWithID(context.Background(), id, h.sites, []string{"noise", "dust"}, nil)
	if err != nil {
		t.Fatalf("RunWithID: %v", err)
	}
	if summary.RunID != id {
		t.Errorf("summary run id = %q", summary.RunID)
	}
	for _, o := range summary.Site("s").Outcomes {
		if o.RunID != id {
			t.Errorf("outcome %s run id = %q", o.Keyword, o.RunID)
		}
	}
	logged := h.store.Outcomes()
	if len(logged) != 2 {
		t.Fatalf("run log holds %d outcomes, want 2", len(logged))
	}
	for _, o := range logged {
		if o.RunID != id {
			t.Errorf("logged outcome %s run id = %q", o.Keyword, o.RunID)
		}
	}
}

func TestRun_BlockedSkipsRemainingKeywords(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html><body><h1>Access Denied</h1></body></html>")
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{
		Name:    "guarded",
		BaseURL: srv.URL,
		Block:   models.BlockRules{Phrases: []string{"access denied"}},
	}, newLineAdapter)

	summary := h.run(t, context.Background(), "dust", "noise", "vibration")
	s := summary.Site("guarded")
	if s.Status != models.StatusBlocked {
		t.Fatalf("status = %s", s.Status)
	}
	if len(s.Outcomes) != 1 || s.Outcomes[0].Attempts != 1 {
		t.Errorf("outcomes = %+v", s.Outcomes)
	}
	if len(s.Skipped) != 2 {
		t.Errorf("skipped = %v, want noise and vibration", s.Skipped)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("portal saw %d requests after a block, want 1", got)
	}
	if st := h.sessions.Get("guarded").Snapshot(); st.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d", st.ConsecutiveFailures)
	}
}

func TestRun_CancelDuringRetry(t *testing.T) {
	var hits atomic.Int32
	first := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		once.Do(func() { close(first) })
	}))
	defer srv.Close()

	h := newHarness(t)
	h.cfg.Policy = &retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second}
	h.addSite(t, models.Site{Name: "slow", BaseURL: srv.URL}, newLineAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-first
		cancel()
	}()

	start := time.Now()
	summary := h.run(t, ctx, "noise", "dust")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run waited out the backoff: %v", elapsed)
	}
	if !summary.Cancelled {
		t.Error("summary not marked cancelled")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("portal saw %d requests, want 1", got)
	}
	s := summary.Site("slow")
	if len(s.Outcomes) != 1 || s.Outcomes[0].Status != models.StatusTransient || s.Outcomes[0].Attempts != 1 {
		t.Errorf("outcomes = %+v", s.Outcomes)
	}
	if len(s.Skipped) != 1 {
		t.Errorf("skipped = %v", s.Skipped)
	}
}

func TestRun_CancelDuringRequestFinishesTask(t *testing.T) {
	arrived := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(arrived) })
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "#results\nN-1|Noise monitoring scheme")
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "busy", BaseURL: srv.URL}, newLineAdapter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()

	summary := h.run(t, ctx, "noise", "dust")
	if !summary.Cancelled {
		t.Error("summary not marked cancelled")
	}
	s := summary.Site("busy")
	if len(s.Outcomes) != 1 {
		t.Fatalf("outcomes = %+v", s.Outcomes)
	}
	if o := s.Outcomes[0]; o.Keyword != "noise" || o.Status != models.StatusSuccess || o.RecordsNew != 1 {
		t.Errorf("in-flight task = %+v, want noise success with 1 new", o)
	}
	if len(s.Skipped) != 1 || s.Skipped[0] != "dust" {
		t.Errorf("skipped = %v, want [dust]", s.Skipped)
	}
	if h.store.Len() != 1 {
		t.Errorf("stored %d records, want 1", h.store.Len())
	}
}

func TestRun_TokenRejectedInvalidatesSession(t *testing.T) {
	portal := &idoxPortal{
		results: resultsA1,
		postStatus: func(n int32) int {
			if n == 1 {
				return 419
			}
			return http.StatusOK
		},
	}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "idox", BaseURL: srv.URL}, adapter.NewIdox)

	summary := h.run(t, context.Background(), "subsidence")
	o := summary.Site("idox").Outcomes[0]
	if o.Status != models.StatusSuccess || o.Attempts != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	if got := portal.gets.Load(); got != 2 {
		t.Errorf("search page fetched %d times, want 2 (fresh token after rejection)", got)
	}
	if tok := portal.lastToken.Load(); tok != "tok-2" {
		t.Errorf("retry submitted token %v, want tok-2", tok)
	}
	if st := h.sessions.Get("idox").Snapshot(); st.ConsecutiveFailures != 0 || st.LastSuccess.IsZero() {
		t.Errorf("session after success = %+v", st)
	}
}

func TestRun_ServerErrorKeepsToken(t *testing.T) {
	portal := &idoxPortal{
		results: resultsA1,
		postStatus: func(n int32) int {
			if n == 1 {
				return http.StatusBadGateway
			}
			return http.StatusOK
		},
	}
	srv := httptest.NewServer(portal.handler())
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "idox", BaseURL: srv.URL}, adapter.NewIdox)

	summary := h.run(t, context.Background(), "subsidence")
	if o := summary.Site("idox").Outcomes[0]; o.Status != models.StatusSuccess || o.Attempts != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	if got := portal.gets.Load(); got != 1 {
		t.Errorf("search page fetched %d times, want 1", got)
	}
}

func TestRun_TerminalStatuses(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   models.Status
		tries  int
	}{
		{"server errors exhaust", "", http.StatusServiceUnavailable, models.StatusExhausted, 3},
		{"unparseable 200 reads as block", "<html>checking your browser</html>", http.StatusOK, models.StatusBlocked, 3},
		{"empty result page succeeds", "#results", http.StatusOK, models.StatusSuccess, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			h := newHarness(t)
			h.addSite(t, models.Site{Name: "s", BaseURL: srv.URL}, newLineAdapter)
			o := h.run(t, context.Background(), "noise").Site("s").Outcomes[0]
			if o.Status != tt.want || o.Attempts != tt.tries {
				t.Errorf("outcome = %s after %d attempts, want %s after %d", o.Status, o.Attempts, tt.want, tt.tries)
			}
			if int(hits.Load()) != tt.tries {
				t.Errorf("portal saw %d requests", hits.Load())
			}
		})
	}
}

func TestRun_MatchingAndParseErrors(t *testing.T) {
	body := "#results\nN-1|Noise monitoring scheme\nX-1|Rear extension\nbroken line"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	tests := []struct {
		keep      bool
		wantFound int
	}{
		{keep: false, wantFound: 1},
		{keep: true, wantFound: 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("keep_unmatched=%v", tt.keep), func(t *testing.T) {
			h := newHarness(t)
			h.cfg.KeepUnmatched = tt.keep
			h.addSite(t, models.Site{Name: "s", BaseURL: srv.URL}, newLineAdapter)

			summary := h.run(t, context.Background(), "noise", "dust")
			if h.store.Len() != tt.wantFound {
				t.Errorf("stored %d, want %d", h.store.Len(), tt.wantFound)
			}

			// Both tasks see the same page; the second finds every record
			// already stored but still matches it.
			for _, kw := range []string{"noise", "dust"} {
				o := outcomeFor(t, summary, "s", kw)
				if o.Status != models.StatusSuccess {
					t.Fatalf("%s: status = %s", kw, o.Status)
				}
				if o.ParseErrors != 1 || o.Unmatched != 1 {
					t.Errorf("%s: parse errors %d unmatched %d", kw, o.ParseErrors, o.Unmatched)
				}
				if o.RecordsFound != tt.wantFound || o.RecordsNew+o.RecordsKnown != o.RecordsFound {
					t.Errorf("%s: found %d new %d known %d, want %d found", kw, o.RecordsFound, o.RecordsNew, o.RecordsKnown, tt.wantFound)
				}
				if len(o.MatchedKeywords) != 1 || o.MatchedKeywords[0] != "noise" {
					t.Errorf("%s: matched = %v", kw, o.MatchedKeywords)
				}
			}
			if o := outcomeFor(t, summary, "s", "noise"); o.RecordsNew != tt.wantFound {
				t.Errorf("noise: new = %d", o.RecordsNew)
			}
			if o := outcomeFor(t, summary, "s", "dust"); o.RecordsNew != 0 || o.RecordsKnown != tt.wantFound {
				t.Errorf("dust: new %d known %d", o.RecordsNew, o.RecordsKnown)
			}
		})
	}
}

func outcomeFor(t *testing.T, summary *models.RunSummary, site, kw string) models.RunOutcome {
	t.Helper()
	s := summary.Site(site)
	if s == nil {
		t.Fatalf("no summary for site %q", site)
	}
	for _, o := range s.Outcomes {
		if o.Keyword == kw {
			return o
		}
	}
	t.Fatalf("site %q has no outcome for %q: %+v", site, kw, s.Outcomes)
	return models.RunOutcome{}
}

func TestRun_DetailEnrichment(t *testing.T) {
	var detailHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#results\nD-1|Condition discharge|/detail/D-1\nD-2|Condition discharge|/detail/D-2")
	})
	mux.HandleFunc("/detail/", func(w http.ResponseWriter, r *http.Request) {
		detailHits.Add(1)
		fmt.Fprint(w, "<html><body><main><p>Details of vibration monitoring for piling works.</p></main></body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "s", BaseURL: srv.URL, FetchDetails: true, MaxDetails: 1}, newLineAdapter)

	o := h.run(t, context.Background(), "vibration monitoring").Site("s").Outcomes[0]
	if got := detailHits.Load(); got != 1 {
		t.Errorf("fetched %d detail pages, want 1 (max_details)", got)
	}
	if o.RecordsNew != 1 || o.Unmatched != 1 {
		t.Errorf("outcome = %+v", o)
	}
	recs, _ := h.store.List(context.Background(), models.RecordFilter{})
	if len(recs) != 1 || recs[0].ExternalID != "D-1" {
		t.Errorf("stored = %+v", recs)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, "#results")
	})

	h := newHarness(t)
	h.cfg.MaxConcurrentSites = 1
	var seen atomic.Int32
	h.cfg.OnOutcome = func(models.RunOutcome) { seen.Add(1) }
	for i := range 3 {
		srv := httptest.NewServer(handler)
		defer srv.Close()
		h.addSite(t, models.Site{Name: fmt.Sprintf("site-%d", i), BaseURL: srv.URL}, newLineAdapter)
	}

	summary := h.run(t, context.Background(), "noise", "dust")
	if summary.Totals.SitesSucceeded != 3 {
		t.Errorf("totals = %+v", summary.Totals)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent requests = %d, want 1", got)
	}
	if got := seen.Load(); got != 6 {
		t.Errorf("OnOutcome called %d times, want 6", got)
	}
}

func TestRun_ConfigurationAbort(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, models.Site{Name: "s", BaseURL: "http://127.0.0.1:1"}, newLineAdapter)
	c, err := New(h.cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		sites    []models.Site
		keywords []string
	}{
		{"no keywords", h.sites, []string{"  "}},
		{"no sites", nil, []string{"noise"}},
		{"unbound adapter", []models.Site{{Name: "other", BaseURL: "http://x.example", Engine: models.EngineHTTP}}, []string{"noise"}},
		{"unknown engine", []models.Site{{Name: "s", BaseURL: "http://x.example", Engine: "curl"}}, []string{"noise"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := c.Run(context.Background(), tt.sites, tt.keywords, nil)
			if !errors.Is(err, models.ErrConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
			if summary == nil || summary.Error == nil || summary.Error.Code != models.ErrCodeConfiguration {
				t.Fatalf("summary = %+v", summary)
			}
			if summary.FinishedAt.IsZero() {
				t.Error("summary not finished")
			}
		})
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		fmt.Fprint(w, "#results")
	}))
	defer srv.Close()

	h := newHarness(t)
	h.addSite(t, models.Site{Name: "s", BaseURL: srv.URL}, newLineAdapter)
	c, err := New(h.cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(context.Background(), h.sites, []string{"noise"}, nil)
	}()
	<-entered

	if !c.Running() {
		t.Error("Running() = false during a run")
	}
	_, err = c.Run(context.Background(), h.sites, []string{"noise"}, nil)
	var se *models.ScrapeError
	if !errors.As(err, &se) || se.Code != models.ErrCodeRunInProgress {
		t.Errorf("second run err = %v", err)
	}
	close(release)
	<-done
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	bad := h.cfg
	bad.Policy = &retry.Policy{MaxAttempts: 0}
	if _, err := New(bad); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("bad policy: err = %v", err)
	}
	noStore := h.cfg
	noStore.Store = nil
	if _, err := New(noStore); err == nil {
		t.Error("expected error without a store")
	}
}
