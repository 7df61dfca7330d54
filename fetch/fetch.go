// Package fetch defines the outbound fetch capability consumed by the
// portier client. The verification core never opens network connections
// itself; it issues all broker requests through a Fetcher supplied at
// client construction. Substituting a fake Fetcher makes the whole
// verification pipeline deterministic and offline-testable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
)

// ErrTransport indicates the underlying HTTP request failed (connection
// error, timeout, non-200 status, or an unusable response body).
var ErrTransport = errors.New("fetch: transport failure")

// Document is the result of a successful fetch. MaxAge carries the
// response's cache lifetime as advertised by the broker, or zero when the
// response had no usable cache metadata.
type Document struct {
	Body   []byte
	MaxAge time.Duration
}

// Fetcher retrieves a document from a URL. Implementations must be safe
// for concurrent use. Errors should wrap ErrTransport where the failure
// is a transport-level one.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (Document, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (Document, error) {
	return f(ctx, url)
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// Broker documents are small; anything beyond this is not a discovery or
// key-set document.
const maxDocumentSize = 1 << 20

// HTTPFetcher is the default Fetcher, backed by net/http. It requires a
// 200 response with a JSON media type and extracts the Cache-Control
// max-age directive for cache bookkeeping.
type HTTPFetcher struct {
	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration
}

// NewHTTPFetcher returns an HTTPFetcher with default settings.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Timeout: 30 * time.Second}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Document, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("%w: unexpected status %d from %s", ErrTransport, resp.StatusCode, url)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt := contenttype.NewMediaType(ct)
		if !mt.Matches(jsonMediaType) && !strings.HasSuffix(mt.Subtype, "+json") {
			return Document{}, fmt.Errorf("%w: unexpected content type %q from %s", ErrTransport, ct, url)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return Document{}, fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	if len(body) > maxDocumentSize {
		return Document{}, fmt.Errorf("%w: document from %s exceeds %d bytes", ErrTransport, url, maxDocumentSize)
	}

	return Document{Body: body, MaxAge: parseMaxAge(resp.Header.Get("Cache-Control"))}, nil
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// Returns zero when absent or unparseable.
func parseMaxAge(header string) time.Duration {
	for _, dir := range strings.Split(header, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(dir), "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}
