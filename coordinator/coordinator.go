// Package coordinator runs keyword searches across many portals at once,
// serialising each portal through its rate limiter and session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/planscout/adapter"
	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/fetch"
	"github.com/use-agent/planscout/keyword"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/ratelimit"
	"github.com/use-agent/planscout/retry"
	"github.com/use-agent/planscout/session"
	"github.com/use-agent/planscout/store"
)

// errStopped marks a task that ended because the run was cancelled while
// it waited. It never reaches callers.
var errStopped = errors.New("coordinator: run stopped")

// Config wires a Coordinator.
type Config struct {
	Limiter  *ratelimit.Limiter
	Sessions *session.Store
	Policy   *retry.Policy
	Store    store.RecordStore

	// Adapters maps site name to its bound adapter.
	Adapters map[string]adapter.SiteAdapter

	// Fetchers maps engine name ("http", "browser") to a transport.
	Fetchers map[string]fetch.Fetcher

	// MaxConcurrentSites bounds parallel site workers; zero means one per site.
	MaxConcurrentSites int

	// KeepUnmatched stores records that matched no keyword.
	KeepUnmatched bool

	// FetchTimeout is the deadline for a single exchange.
	FetchTimeout time.Duration // default: 30s

	// OnOutcome, when set, is called as each task finishes. It may be
	// called from several goroutines at once.
	OnOutcome func(models.RunOutcome)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Coordinator executes runs. One run may be active at a time.
type Coordinator struct {
	cfg     Config
	running atomic.Bool
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Limiter == nil:
		return nil, models.ConfigError("coordinator: rate limiter is required")
	case cfg.Sessions == nil:
		return nil, models.ConfigError("coordinator: session store is required")
	case cfg.Store == nil:
		return nil, models.ConfigError("coordinator: record store is required")
	case len(cfg.Fetchers) == 0:
		return nil, models.ConfigError("coordinator: at least one fetcher is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeConfiguration, "retry policy", err)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{cfg: cfg}, nil
}

// Running reports whether a run is in progress.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Run scrapes every site for every keyword and blocks until all tasks are
// terminal or ctx is cancelled. The summary is never nil. The error is
// non-nil only when the run aborted on a configuration or local failure;
// cancellation is reported through RunSummary.Cancelled.
func (c *Coordinator) Run(ctx context.Context, sites []models.Site, keywords []string, dr *models.DateRange) (*models.RunSummary, error) {
	return c.RunWithID(ctx, uuid.NewString(), sites, keywords, dr)
}

// RunWithID is Run under a caller-chosen run id, which tags the summary,
// every outcome and the run log. An empty id gets a fresh uuid.
func (c *Coordinator) RunWithID(ctx context.Context, id string, sites []models.Site, keywords []string, dr *models.DateRange) (*models.RunSummary, error) {
	if id == "" {
		id = uuid.NewString()
	}
	summary := &models.RunSummary{RunID: id, StartedAt: time.Now().UTC()}
	if !c.running.CompareAndSwap(false, true) {
		err := models.NewScrapeError(models.ErrCodeRunInProgress, "a run is already in progress", nil)
		return c.finish(summary, err), err
	}
	defer c.running.Store(false)

	matcher := keyword.NewSet(keywords)
	if err := c.prepare(sites, matcher); err != nil {
		summary.Sites = make([]models.SiteSummary, len(sites))
		for i, s := range sites {
			summary.Sites[i] = models.SiteSummary{Site: s.Name, Skipped: matcher.Keywords()}
		}
		return c.finish(summary, err), err
	}

	log := c.cfg.Logger.With("run_id", summary.RunID)
	log.Info("run started", "sites", len(sites), "keywords", matcher.Len())

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := c.cfg.MaxConcurrentSites
	if workers <= 0 || workers > len(sites) {
		workers = len(sites)
	}
	sem := make(chan struct{}, workers)

	r := &run{
		c:       c,
		id:      summary.RunID,
		matcher: matcher,
		dr:      dr,
		log:     log,
		cancel:  cancel,
	}

	summary.Sites = make([]models.SiteSummary, len(sites))
	var wg sync.WaitGroup
	for i, site := range sites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				summary.Sites[i] = models.SiteSummary{Site: site.Name, Skipped: matcher.Keywords()}
				return
			}
			summary.Sites[i] = r.site(runCtx, site)
		}()
	}
	wg.Wait()

	summary.Cancelled = ctx.Err() != nil
	err := r.abortErr()
	c.finish(summary, err)
	log.Info("run finished",
		"sites_succeeded", summary.Totals.SitesSucceeded,
		"sites_blocked", summary.Totals.SitesBlocked,
		"records_new", summary.Totals.RecordsNew,
		"cancelled", summary.Cancelled,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	return summary, err
}

// prepare checks everything a run needs before any request goes out and
// registers each site with the limiter.
func (c *Coordinator) prepare(sites []models.Site, matcher *keyword.Set) error {
	if matcher.Len() == 0 {
		return models.ConfigError("keyword list is empty")
	}
	if len(sites) == 0 {
		return models.ConfigError("no sites selected")
	}
	seen := make(map[string]bool, len(sites))
	for _, s := range sites {
		if seen[s.Name] {
			return models.ConfigError("site %q listed twice", s.Name)
		}
		seen[s.Name] = true
		if _, ok := c.cfg.Adapters[s.Name]; !ok {
			return models.ConfigError("site %q has no bound adapter", s.Name)
		}
		if _, ok := c.cfg.Fetchers[s.Engine]; !ok {
			return models.ConfigError("site %q: no fetcher for engine %q", s.Name, s.Engine)
		}
		if s.Host() == "" {
			return models.ConfigError("site %q: base_url %q has no host", s.Name, s.BaseURL)
		}
		if s.MinInterval < 0 {
			return models.ConfigError("site %q: negative min_interval", s.Name)
		}
	}
	for _, s := range sites {
		c.cfg.Limiter.Register(s.Host(), s.MinInterval)
	}
	return nil
}

func (c *Coordinator) finish(summary *models.RunSummary, err error) *models.RunSummary {
	if err != nil {
		var se *models.ScrapeError
		if errors.As(err, &se) {
			summary.Error = se.ToDetail()
		} else {
			summary.Error = &models.ErrorDetail{Code: models.ErrCodeInternal, Message: err.Error()}
		}
	}
	summary.FinishedAt = time.Now().UTC()
	summary.Sort()
	summary.Finalize()
	return summary
}

// run is the state shared by one Run's site workers.
type run struct {
	c       *Coordinator
	id      string
	matcher *keyword.Set
	dr      *models.DateRange
	log     *slog.Logger
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	abort error
}

// fail records the first abort and stops every other site.
func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abort == nil {
		r.abort = err
		r.cancel(err)
	}
}

func (r *run) abortErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort
}

// site runs one site's keywords in order. A blocked site skips the rest.
func (r *run) site(ctx context.Context, site models.Site) models.SiteSummary {
	ss := models.SiteSummary{Site: site.Name}
	keywords := r.matcher.Keywords()
	log := r.log.With("site", site.Name)

	for i, kw := range keywords {
		if ctx.Err() != nil {
			ss.Skipped = append(ss.Skipped, keywords[i:]...)
			break
		}
		o, err := r.task(ctx, site, kw)
		ss.Outcomes = append(ss.Outcomes, o)
		r.emit(o)

		if err != nil {
			log.Error("run aborted", "keyword", kw, "error", err)
			r.fail(err)
			ss.Skipped = append(ss.Skipped, keywords[i+1:]...)
			break
		}
		if o.Status == models.StatusBlocked {
			log.Warn("site blocked, skipping remaining keywords",
				"keyword", kw, "attempts", o.Attempts, "reason", o.LastError,
				"skipped", len(keywords)-i-1)
			ss.Skipped = append(ss.Skipped, keywords[i+1:]...)
			break
		}
	}
	return ss
}

func (r *run) emit(o models.RunOutcome) {
	if rl, ok := r.c.cfg.Store.(store.RunLogger); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rl.LogOutcome(ctx, o); err != nil {
			r.log.Warn("run log write failed", "site", o.Site, "keyword", o.Keyword, "error", err)
		}
		cancel()
	}
	if r.c.cfg.OnOutcome != nil {
		r.c.cfg.OnOutcome(o)
	}
}

// task drives one (site, keyword) pair through Requesting and
// RetryScheduled until it is terminal. A non-nil error aborts the run.
func (r *run) task(ctx context.Context, site models.Site, kw string) (out models.RunOutcome, err error) {
	out = models.RunOutcome{
		RunID:     r.id,
		Site:      site.Name,
		Keyword:   kw,
		StartedAt: time.Now().UTC(),
	}
	defer func() { out.Duration = time.Since(out.StartedAt) }()

	ad := r.c.cfg.Adapters[site.Name]
	tracker := r.c.cfg.Policy.NewTracker()
	log := r.log.With("site", site.Name, "keyword", kw)

	for {
		verdict, raw, err := r.attempt(ctx, site, ad, kw)
		if err != nil {
			out.Attempts = tracker.Attempts()
			out.LastError = err.Error()
			if errors.Is(err, errStopped) {
				out.Status = models.StatusTransient
				return out, nil
			}
			out.Status = models.StatusAborted
			return out, err
		}

		var records []models.CandidateRecord
		if verdict.Kind == classify.Success {
			var parseErrs int
			records, parseErrs, err = parseAll(ad, raw.Body, log)
			out.ParseErrors += parseErrs
			if err != nil {
				// A 200 that is not a result page is read as an ambiguous
				// answer, usually an interstitial.
				verdict = classify.Verdict{
					Kind:   classify.Transient,
					Reason: classify.ReasonAmbiguous,
					Status: raw.Status,
					Detail: err.Error(),
				}
			}
		}

		if verdict.IsRejection() {
			r.c.cfg.Sessions.RecordFailure(site.Name)
		}
		d := tracker.Next(verdict.Outcome())
		out.Attempts = d.Attempt

		switch d.Kind {
		case retry.Succeed:
			r.c.cfg.Sessions.RecordSuccess(site.Name)
			if u, err := url.Parse(raw.FinalURL); err == nil && len(raw.Cookies) > 0 {
				r.c.cfg.Sessions.Update(site.Name, u, raw.Cookies, "")
			}
			if err := r.record(ctx, site, ad, records, &out); err != nil {
				out.Status = models.StatusAborted
				out.LastError = err.Error()
				return out, err
			}
			out.Status = models.StatusSuccess
			log.Info("task recorded", "attempts", out.Attempts,
				"found", out.RecordsFound, "new", out.RecordsNew, "known", out.RecordsKnown,
				"unmatched", out.Unmatched, "parse_errors", out.ParseErrors)
			return out, nil

		case retry.RetryAfter:
			out.LastError = d.Reason
			if verdict.Reason == classify.ReasonTokenRejected {
				r.c.cfg.Sessions.Invalidate(site.Name)
			}
			log.Debug("retry scheduled", "attempt", d.Attempt, "delay", d.Delay, "reason", d.Reason)
			if err := sleep(ctx, d.Delay); err != nil {
				out.Status = models.StatusTransient
				return out, nil
			}

		case retry.Blocked:
			out.Status = models.StatusBlocked
			out.LastError = d.Reason
			return out, nil

		case retry.Exhausted:
			out.Status = models.StatusExhausted
			out.LastError = d.Reason
			log.Warn("attempts exhausted", "attempts", d.Attempt, "reason", d.Reason)
			return out, nil

		case retry.Abort:
			out.Status = models.StatusAborted
			out.LastError = d.Reason
			return out, models.NewScrapeError(models.ErrCodeInternal, d.Reason, verdict.Err)
		}
	}
}

// attempt performs one Requesting step: an optional token bootstrap, then
// the search itself. Each exchange waits for the site's limiter first.
func (r *run) attempt(ctx context.Context, site models.Site, ad adapter.SiteAdapter, kw string) (classify.Verdict, *models.RawResponse, error) {
	sess := r.c.cfg.Sessions.Get(site.Name)

	if bs, ok := ad.(adapter.Bootstrapper); ok && !sess.Snapshot().HasToken() {
		raw, err := r.exchange(ctx, site, bs.BootstrapRequest(), sess)
		if err != nil {
			return r.transportVerdict(err)
		}
		v := ad.Classify(raw)
		if v.Kind != classify.Success {
			return v, raw, nil
		}
		token, err := bs.Token(raw)
		if err != nil {
			return classify.Verdict{
				Kind:   classify.Transient,
				Reason: classify.ReasonAmbiguous,
				Status: raw.Status,
				Detail: "bootstrap: " + err.Error(),
			}, raw, nil
		}
		u, _ := url.Parse(raw.FinalURL)
		r.c.cfg.Sessions.Update(site.Name, u, raw.Cookies, token)
	}

	sr, err := ad.PrepareSearch(sess.Snapshot(), kw, r.dr)
	if err != nil {
		return classify.Verdict{}, nil, models.NewScrapeError(models.ErrCodeConfiguration,
			fmt.Sprintf("site %q: prepare search", site.Name), err)
	}
	raw, err := r.exchange(ctx, site, sr, sess)
	if err != nil {
		return r.transportVerdict(err)
	}
	return ad.Classify(raw), raw, nil
}

// transportVerdict sorts an exchange error into a retryable network
// failure, a stop, or a fatal local error.
func (r *run) transportVerdict(err error) (classify.Verdict, *models.RawResponse, error) {
	switch {
	case errors.Is(err, errStopped):
		return classify.Verdict{}, nil, err
	case errors.Is(err, fetch.ErrInvalidRequest):
		return classify.Verdict{}, nil, models.NewScrapeError(models.ErrCodeConfiguration, "invalid request", err)
	case errors.Is(err, ratelimit.ErrUnknownSite):
		return classify.Verdict{}, nil, models.NewScrapeError(models.ErrCodeInternal, "limiter", err)
	}
	return classify.TransportFailure(err), nil, nil
}

// exchange waits for the site's slot and performs one request. Once the
// request is issued it runs to completion even if the run is cancelled.
func (r *run) exchange(ctx context.Context, site models.Site, sr *models.SearchRequest, sess *session.Session) (*models.RawResponse, error) {
	if err := r.c.cfg.Limiter.Acquire(ctx, site.Host()); err != nil {
		if errors.Is(err, ratelimit.ErrUnknownSite) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errStopped, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errStopped, err)
	}
	f := r.c.cfg.Fetchers[site.Engine]
	req := fetch.NewRequest(sr, sess.Jar(), r.c.cfg.FetchTimeout)
	return f.Fetch(context.WithoutCancel(ctx), req)
}

// record enriches, matches and stores a page's records. Known records are
// matched too, so RecordsFound and MatchedKeywords describe the same set.
func (r *run) record(ctx context.Context, site models.Site, ad adapter.SiteAdapter, records []models.CandidateRecord, out *models.RunOutcome) error {
	st := r.c.cfg.Store
	storeCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	enrich := site.FetchDetails
	details := 0
	matched := make(map[string]bool)

	for _, rec := range records {
		known, err := st.Exists(storeCtx, rec.Site, rec.ExternalID)
		if err != nil {
			return models.NewScrapeError(models.ErrCodeInternal, "record store", err)
		}

		if !known && enrich && rec.SourceURL != "" && (site.MaxDetails == 0 || details < site.MaxDetails) {
			details++
			if !r.enrich(ctx, site, ad, &rec) {
				enrich = false
			}
		}

		kws := r.matcher.Match(rec.SearchText())
		if len(kws) == 0 {
			out.Unmatched++
			if !r.c.cfg.KeepUnmatched {
				continue
			}
		}
		for _, k := range kws {
			matched[k] = true
		}

		out.RecordsFound++
		if known {
			out.RecordsKnown++
			continue
		}
		rec.MatchedKeywords = kws
		rec.ScrapedAt = now

		switch err := st.Insert(storeCtx, rec); {
		case err == nil:
			out.RecordsNew++
		case errors.Is(err, store.ErrDuplicate):
			out.RecordsKnown++
		default:
			return models.NewScrapeError(models.ErrCodeInternal, "record store", err)
		}
	}

	for _, k := range r.matcher.Keywords() {
		if matched[k] {
			out.MatchedKeywords = append(out.MatchedKeywords, k)
		}
	}
	return nil
}

func parseAll(ad adapter.SiteAdapter, body []byte, log *slog.Logger) ([]models.CandidateRecord, int, error) {
	seq, err := ad.Parse(body)
	if err != nil {
		return nil, 0, err
	}
	var (
		records []models.CandidateRecord
		bad     int
	)
	for rec, err := range seq {
		if err != nil {
			bad++
			log.Debug("skipping malformed record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, bad, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
