package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/use-agent/planscout/adapter"
	"github.com/use-agent/planscout/api"
	"github.com/use-agent/planscout/api/handler"
	"github.com/use-agent/planscout/api/middleware"
	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/config"
	"github.com/use-agent/planscout/coordinator"
	"github.com/use-agent/planscout/fetch"
	"github.com/use-agent/planscout/models"
	"github.com/use-agent/planscout/ratelimit"
	"github.com/use-agent/planscout/session"
	"github.com/use-agent/planscout/store"
	"github.com/use-agent/planscout/webhook"
)

const usage = `usage: planscout <command> [flags]

commands:
  run          scrape the configured sites once and print the summary as JSON
  serve        start the HTTP API
  fingerprint  print the DOM fingerprint of a saved block page
`

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var code int
	switch os.Args[1] {
	case "run":
		code = runCmd(os.Args[2:])
	case "serve":
		code = serveCmd(os.Args[2:])
	case "fingerprint":
		code = fingerprintCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	os.Exit(code)
}

// app holds everything a run needs.
type app struct {
	cfg      *config.Config
	sites    *config.SiteFile
	store    store.Backend
	sessions *session.Store
	browser  *fetch.BrowserFetcher
	notifier *webhook.Notifier
	coord    *coordinator.Coordinator
}

// newApp loads and validates the site file, binds adapters and opens the
// store. A returned error is a configuration error unless it says otherwise.
func newApp(ctx context.Context, cfg *config.Config, onOutcome func(models.RunOutcome)) (*app, error) {
	sf, err := config.LoadSites(cfg.SitesFile)
	if err != nil {
		return nil, err
	}
	registry := adapter.DefaultRegistry()
	if err := config.Validate(cfg, sf, registry.Names()); err != nil {
		return nil, err
	}
	adapters, err := registry.Bind(sf.Sites)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		sites:    sf,
		sessions: session.NewStore(cfg.Session.TokenTTL, cfg.Session.IdleTTL),
		notifier: webhook.New(cfg.Webhook.URL, cfg.Webhook.Secret),
	}

	httpFetcher := fetch.NewHTTPFetcher(cfg.Fetch.UserAgent, cfg.Fetch.MaxBodyBytes)
	fetchers := map[string]fetch.Fetcher{models.EngineHTTP: httpFetcher}
	if usesBrowser(sf.Sites) {
		a.browser, err = fetch.NewBrowserFetcher(cfg.Browser, cfg.Fetch.UserAgent, httpFetcher)
		if err != nil {
			a.Close()
			return nil, err
		}
		fetchers[models.EngineBrowser] = a.browser
	}

	a.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.coord, err = coordinator.New(coordinator.Config{
		Limiter:            ratelimit.New(),
		Sessions:           a.sessions,
		Policy:             cfg.Retry.Policy(),
		Store:              a.store,
		Adapters:           adapters,
		Fetchers:           fetchers,
		MaxConcurrentSites: cfg.Run.MaxConcurrentSites,
		KeepUnmatched:      cfg.Run.KeepUnmatched,
		FetchTimeout:       cfg.Fetch.Timeout,
		OnOutcome:          onOutcome,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	a.notifier.Wait()
	if a.browser != nil {
		a.browser.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
	a.sessions.Stop()
}

func usesBrowser(sites []models.Site) bool {
	for _, s := range sites {
		if s.Engine == models.EngineBrowser {
			return true
		}
	}
	return false
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	if errors.Is(err, models.ErrConfiguration) {
		return 2
	}
	return 1
}

func runCmd(args []string) int {
	cfg := config.Load()
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&cfg.SitesFile, "sites", cfg.SitesFile, "site definition file")
	keywords := fs.String("keywords", "", "comma-separated keywords (default: from the site file)")
	only := fs.String("only", "", "comma-separated site names to run (default: all)")
	from := fs.String("from", "", "earliest received date, YYYY-MM-DD")
	to := fs.String("to", "", "latest received date, YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Logs go to stderr; stdout carries the summary.
	initLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitCode(err)
	}
	defer a.Close()

	kws := a.sites.Keywords
	if *keywords != "" {
		kws = splitList(*keywords)
	}
	sites, err := a.sites.Select(splitList(*only))
	if err != nil {
		slog.Error("bad -only", "error", err)
		return 2
	}
	dr, err := dateRange(*from, *to)
	if err != nil {
		slog.Error("bad date range", "error", err)
		return 2
	}

	summary, runErr := a.coord.Run(ctx, sites, kws, dr)
	a.notifier.Notify(webhook.NewEvent(summary))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		slog.Error("write summary", "error", err)
		return 1
	}
	if runErr != nil {
		slog.Error("run aborted", "error", runErr)
		return exitCode(runErr)
	}
	return 0
}

func serveCmd(args []string) int {
	cfg := config.Load()
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.SitesFile, "sites", cfg.SitesFile, "site definition file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── 1. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log, os.Stdout)
	slog.Info("planscout starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"sites_file", cfg.SitesFile,
		"store", cfg.Store.Driver,
	)

	// ── 2. Build the coordinator ────────────────────────────────────
	// runs is assigned below; the hook only fires once a run starts.
	var runs *handler.Runs
	a, err := newApp(context.Background(), cfg, func(o models.RunOutcome) { runs.Observe(o) })
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		return exitCode(err)
	}
	defer a.Close()
	runs = handler.NewRuns(a.coord, a.sites, a.notifier)
	slog.Info("sites loaded", "sites", len(a.sites.Sites), "keywords", len(a.sites.Keywords))

	// ── 3. Setup router ─────────────────────────────────────────────
	limiter := middleware.NewLimiter(cfg.RateLimit)
	defer limiter.Stop()
	router := api.NewRouter(cfg, runs, a.store, limiter, time.Now())

	// ── 4. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── 5. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// In-flight portal requests finish; no new attempts are scheduled.
	runs.Shutdown()
	slog.Info("planscout stopped")
	return 0
}

func fingerprintCmd(args []string) int {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: planscout fingerprint <page.html> [other.html]")
		return 2
	}
	var prints []uint64
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fp := classify.Fingerprint(data)
		prints = append(prints, fp)
		fmt.Printf("%s  %s\n", classify.FormatFingerprint(fp), path)
	}
	if len(prints) == 2 {
		fmt.Printf("distance %d\n", classify.Distance(prints[0], prints[1]))
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dateRange(from, to string) (*models.DateRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	var dr models.DateRange
	var err error
	if from != "" {
		if dr.From, err = time.Parse("2006-01-02", from); err != nil {
			return nil, err
		}
	}
	if to != "" {
		if dr.To, err = time.Parse("2006-01-02", to); err != nil {
			return nil, err
		}
	}
	if !dr.From.IsZero() && !dr.To.IsZero() && dr.To.Before(dr.From) {
		return nil, fmt.Errorf("-to %s is before -from %s", to, from)
	}
	return &dr, nil
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	slog.SetDefault(slog.New(h))
}
