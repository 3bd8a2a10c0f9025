// Package fetch performs one portal exchange over a chosen transport.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/use-agent/planscout/models"
)

// ErrInvalidRequest marks a request that could not be built locally.
// Retrying it cannot help.
var ErrInvalidRequest = errors.New("fetch: invalid request")

// ErrBodyTooLarge marks a response whose body exceeded the fetcher's cap.
// A truncated result page would parse as a shorter valid one.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// Fetcher is the interface every transport implements.
type Fetcher interface {
	// Name returns the transport identifier ("http", "browser").
	Name() string

	// Fetch performs the exchange. Any HTTP status is a response, not an
	// error; errors are reserved for transport failures and ErrInvalidRequest.
	Fetch(ctx context.Context, req *Request) (*models.RawResponse, error)
}

// Request contains everything a transport needs for one exchange.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Form    url.Values
	Jar     http.CookieJar
	Timeout time.Duration
}

// NewRequest wraps an adapter-built search request with session state.
func NewRequest(sr *models.SearchRequest, jar http.CookieJar, timeout time.Duration) *Request {
	method := sr.Method
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:  method,
		URL:     sr.URL,
		Header:  sr.Header,
		Form:    sr.Form,
		Jar:     jar,
		Timeout: timeout,
	}
}
