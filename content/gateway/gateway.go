// Package gateway fetches content from an IPFS HTTP gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/medseal/content"
)

const (
	DefaultURL     = "https://gateway.pinata.cloud"
	DefaultTimeout = 15 * time.Second
	// DefaultMaxSize caps a single fetched object.
	DefaultMaxSize = 32 << 20
)

// Fetcher implements content.Fetcher over GET <base>/ipfs/<cid>.
type Fetcher struct {
	base    string
	client  *http.Client
	timeout time.Duration
	maxSize int64
}

var _ content.Fetcher = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(f *Fetcher) {
		f.maxSize = n
	}
}

// New returns a Fetcher for the gateway at base.
func New(base string, opts ...Option) *Fetcher {
	if base == "" {
		base = DefaultURL
	}
	f := &Fetcher{
		base:    strings.TrimRight(base, "/"),
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the gateway URL for id.
func (f *Fetcher) URL(id string) string {
	return f.base + "/ipfs/" + id
}

func (f *Fetcher) Fetch(ctx context.Context, id string) ([]byte, error) {
	if _, err := content.ParseCID(id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: timed out after %s", content.ErrContentUnavailable, id, f.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", content.ErrContentUnavailable, id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s: %w", content.ErrContentUnavailable, id, content.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s: gateway returned %s", content.ErrContentUnavailable, id, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", content.ErrContentUnavailable, id, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: %s: larger than %d bytes", content.ErrContentUnavailable, id, f.maxSize)
	}
	return data, nil
}
