package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/planscout/config"
	"github.com/use-agent/planscout/models"
	"github.com/ysmood/gson"
)

// BrowserFetcher renders GET exchanges in headless Chromium for portals
// whose pages need JavaScript. Other methods go to the fallback transport,
// which shares the session's cookie jar, so cookies set by page scripts
// carry over to form submissions.
type BrowserFetcher struct {
	browser   *rod.Browser
	pool      rod.Pool[rod.Page]
	fallback  Fetcher
	userAgent string
	launched  bool
}

// NewBrowserFetcher connects to cfg.ControlURL, or launches a local browser
// when it is empty.
func NewBrowserFetcher(cfg config.BrowserConfig, userAgent string, fallback Fetcher) (*BrowserFetcher, error) {
	controlURL := cfg.ControlURL
	launched := false
	if controlURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			NoSandbox(cfg.NoSandbox)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser fetch: launch: %w", err)
		}
		controlURL = u
		launched = true
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("browser fetch: connect: %w", err)
	}
	slog.Info("browser connected", "controlURL", controlURL, "maxPages", cfg.MaxPages)

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &BrowserFetcher{
		browser:   browser,
		pool:      rod.NewPagePool(max(cfg.MaxPages, 1)),
		fallback:  fallback,
		userAgent: userAgent,
		launched:  launched,
	}, nil
}

func (f *BrowserFetcher) Name() string { return models.EngineBrowser }

func (f *BrowserFetcher) Fetch(ctx context.Context, req *Request) (*models.RawResponse, error) {
	if req.Method != http.MethodGet {
		if f.fallback == nil {
			return nil, fmt.Errorf("%w: browser transport cannot send %s", ErrInvalidRequest, req.Method)
		}
		return f.fallback.Fetch(ctx, req)
	}

	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%w: bad url %q", ErrInvalidRequest, req.URL)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	page, err := f.pool.Get(func() (*rod.Page, error) {
		return f.browser.Page(proto.TargetCreateTarget{})
	})
	if err != nil {
		return nil, fmt.Errorf("browser fetch: acquire page: %w", err)
	}
	defer func() {
		if navErr := page.Navigate("about:blank"); navErr != nil {
			slog.Warn("browser fetch: reset page failed", "error", navErr)
		}
		f.pool.Put(page)
	}()

	_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.userAgent})
	if len(req.Header) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(req.Header)}.Call(page)
	}
	if req.Jar != nil {
		for _, c := range req.Jar.Cookies(target) {
			_, _ = proto.NetworkSetCookie{
				Name:   c.Name,
				Value:  c.Value,
				Domain: target.Hostname(),
				Path:   "/",
			}.Call(page)
		}
	}

	p := page.Context(ctx)
	start := time.Now()
	if err := p.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("browser fetch: navigate: %w", err)
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("browser fetch: DOM did not settle", "url", req.URL, "error", err)
	}

	status := 0
	if res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); err == nil {
		status = res.Value.Int()
	}
	if status == 0 {
		// Older Chromium builds do not report responseStatus.
		status = http.StatusOK
	}

	rendered, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("browser fetch: read html: %w", err)
	}

	finalURL := req.URL
	if res, err := p.Eval(`() => window.location.href`); err == nil && res.Value.Str() != "" {
		finalURL = res.Value.Str()
	}

	raw := &models.RawResponse{
		Status:   status,
		Header:   http.Header{},
		Body:     []byte(rendered),
		Elapsed:  time.Since(start),
		FinalURL: finalURL,
	}
	if cookies, err := p.Cookies([]string{finalURL}); err == nil {
		raw.Cookies = toHTTPCookies(cookies)
		if req.Jar != nil {
			req.Jar.SetCookies(target, raw.Cookies)
		}
	}
	return raw, nil
}

// Close drains the page pool, and kills the browser if this fetcher
// launched it.
func (f *BrowserFetcher) Close() {
	f.pool.Cleanup(func(p *rod.Page) { _ = p.Close() })
	if f.launched {
		_ = f.browser.Close()
	}
}

// toHeadersMap converts headers to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(h http.Header) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(h))
	for k := range h {
		m[k] = gson.New(h.Get(k))
	}
	return m
}

func toHTTPCookies(in []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}
