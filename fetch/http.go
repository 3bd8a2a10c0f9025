package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/use-agent/planscout/models"
)

// DefaultUserAgent identifies the client honestly to portal operators.
const DefaultUserAgent = "planscout/1.0 (+https://github.com/use-agent/planscout)"

// HTTPFetcher is the default transport, plain net/http. A new http.Client
// is assembled per exchange around a shared Transport so each site's cookie
// jar follows redirects.
type HTTPFetcher struct {
	transport http.RoundTripper
	userAgent string
	maxBody   int64
}

// NewHTTPFetcher creates an HTTPFetcher. maxBody <= 0 uses 10 MB.
func NewHTTPFetcher(userAgent string, maxBody int64) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &HTTPFetcher{transport: transport, userAgent: userAgent, maxBody: maxBody}
}

func (f *HTTPFetcher) Name() string { return models.EngineHTTP }

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*models.RawResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Method == http.MethodPost && req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if httpReq.URL.Host == "" {
		return nil, fmt.Errorf("%w: no host in %q", ErrInvalidRequest, req.URL)
	}

	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-GB,en;q=0.9")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, vs := range req.Header {
		for i, v := range vs {
			if i == 0 {
				httpReq.Header.Set(k, v)
			} else {
				httpReq.Header.Add(k, v)
			}
		}
	}

	client := &http.Client{
		Transport: f.transport,
		Jar:       req.Jar,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("http fetch: read body: %w", err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("http fetch: %w: over %d bytes from %s", ErrBodyTooLarge, f.maxBody, req.URL)
	}

	return &models.RawResponse{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     data,
		Elapsed:  time.Since(start),
		FinalURL: resp.Request.URL.String(),
	}, nil
}
