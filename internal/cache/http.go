package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPFetcher downloads over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher using client, or http.DefaultClient if nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Open implements Fetcher. Any status other than 200 is an error.
func (f *HTTPFetcher) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrDownload, u.Redacted(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close() //nolint:errcheck // discarding error response
		return nil, 0, fmt.Errorf("%w: %s: HTTP %d", ErrDownload, u.Redacted(), resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}
