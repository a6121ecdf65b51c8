package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a single configuration fetch.
const DefaultFetchTimeout = 10 * time.Second

const maxConfigBody = 64 << 10

// Source produces a validated Config.
type Source interface {
	Load(ctx context.Context) (*Config, error)
}

// HTTPSource fetches the configuration from a trusted endpoint with GET.
type HTTPSource struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

var _ Source = (*HTTPSource)(nil)

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

// WithTimeout overrides DefaultFetchTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		s.timeout = d
	}
}

// NewHTTPSource returns a Source reading from url.
func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		url:     url,
		client:  http.DefaultClient,
		timeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) Load(ctx context.Context) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrConfigurationUnavailable, s.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrConfigurationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint returned %s", ErrConfigurationUnavailable, resp.Status)
	}

	var c Config
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigBody)).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrConfigurationUnavailable, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationUnavailable, err)
	}
	return &c, nil
}

// StaticSource returns a fixed Config. Useful for tests and for servers that
// already hold the configuration.
type StaticSource struct {
	Config Config
}

var _ Source = StaticSource{}

func (s StaticSource) Load(context.Context) (*Config, error) {
	c := s.Config
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationUnavailable, err)
	}
	return &c, nil
}
