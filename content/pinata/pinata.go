// Package pinata pins content through the Pinata pinning API.
package pinata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/medseal/content"
)

const (
	DefaultBaseURL     = "https://api.pinata.cloud"
	DefaultJSONTimeout = 15 * time.Second
	DefaultFileTimeout = 30 * time.Second

	maxResponseBody = 1 << 20
)

// ErrNoCredentials is returned when neither a JWT nor an API key pair is
// configured.
var ErrNoCredentials = errors.New("pinata credentials not configured")

// Credentials authenticate against Pinata. A JWT takes precedence over the
// key pair.
type Credentials struct {
	JWT       string
	APIKey    string
	APISecret string
}

// Configured reports whether any usable credential is set.
func (c Credentials) Configured() bool {
	return c.JWT != "" || (c.APIKey != "" && c.APISecret != "")
}

func (c Credentials) apply(h http.Header) error {
	switch {
	case c.JWT != "":
		h.Set("Authorization", "Bearer "+c.JWT)
	case c.APIKey != "" && c.APISecret != "":
		h.Set("pinata_api_key", c.APIKey)
		h.Set("pinata_secret_api_key", c.APISecret)
	default:
		return ErrNoCredentials
	}
	return nil
}

// APIError carries a non-2xx response from Pinata.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pinata: status %d: %s", e.StatusCode, e.Body)
}

// Client is a content.Pinner backed by Pinata. Fetch goes through the
// configured gateway fetcher, if any.
type Client struct {
	baseURL     string
	creds       Credentials
	client      *http.Client
	jsonTimeout time.Duration
	fileTimeout time.Duration
	fetcher     content.Fetcher
	now         func() time.Time
}

var _ content.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithTimeouts overrides the JSON and file pin timeouts.
func WithTimeouts(jsonTimeout, fileTimeout time.Duration) Option {
	return func(c *Client) {
		c.jsonTimeout = jsonTimeout
		c.fileTimeout = fileTimeout
	}
}

// WithFetcher sets the fetcher used by Fetch, typically a gateway.
func WithFetcher(f content.Fetcher) Option {
	return func(c *Client) {
		c.fetcher = f
	}
}

// New returns a Pinata client.
func New(creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		creds:       creds,
		client:      http.DefaultClient,
		jsonTimeout: DefaultJSONTimeout,
		fileTimeout: DefaultFileTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pinOptions struct {
	CIDVersion int `json:"cidVersion"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

type pinJSONRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataOptions  pinOptions      `json:"pinataOptions"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinResponse struct {
	IpfsHash  string    `json:"IpfsHash"`
	PinSize   int64     `json:"PinSize"`
	Timestamp time.Time `json:"Timestamp"`
}

// PinJSON pins a JSON document with pinJSONToIPFS. An empty name defaults
// to medical-payload-<unix millis>.
func (c *Client) PinJSON(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	if !json.Valid(data) {
		return content.PinResult{}, fmt.Errorf("pinata: payload is not JSON")
	}
	if name == "" {
		name = fmt.Sprintf("medical-payload-%d", c.now().UnixMilli())
	}
	body, err := json.Marshal(pinJSONRequest{
		PinataContent:  data,
		PinataOptions:  pinOptions{CIDVersion: 1},
		PinataMetadata: pinMetadata{Name: name},
	})
	if err != nil {
		return content.PinResult{}, err
	}
	return c.post(ctx, "/pinning/pinJSONToIPFS", "application/json", bytes.NewReader(body), c.jsonTimeout)
}

// PinFile pins raw bytes with pinFileToIPFS.
func (c *Client) PinFile(ctx context.Context, name string, data []byte) (content.PinResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return content.PinResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return content.PinResult{}, err
	}
	opts, _ := json.Marshal(pinOptions{CIDVersion: 1})
	if err := w.WriteField("pinataOptions", string(opts)); err != nil {
		return content.PinResult{}, err
	}
	meta, _ := json.Marshal(pinMetadata{
		Name:      name,
		KeyValues: map[string]string{"uploadedAt": c.now().UTC().Format(time.RFC3339Nano)},
	})
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return content.PinResult{}, err
	}
	if err := w.Close(); err != nil {
		return content.PinResult{}, err
	}
	return c.post(ctx, "/pinning/pinFileToIPFS", w.FormDataContentType(), &buf, c.fileTimeout)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, timeout time.Duration) (content.PinResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return content.PinResult{}, err
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.creds.apply(req.Header); err != nil {
		return content.PinResult{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return content.PinResult{}, fmt.Errorf("pinata: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return content.PinResult{}, fmt.Errorf("pinata: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return content.PinResult{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var pr pinResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return content.PinResult{}, fmt.Errorf("pinata: decoding response: %w", err)
	}
	if pr.IpfsHash == "" {
		return content.PinResult{}, fmt.Errorf("pinata: response carried no IpfsHash")
	}
	return content.PinResult{CID: pr.IpfsHash, PinSize: pr.PinSize, Timestamp: pr.Timestamp}, nil
}

// Fetch reads content through the configured fetcher.
func (c *Client) Fetch(ctx context.Context, id string) ([]byte, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("%w: no gateway configured", content.ErrContentUnavailable)
	}
	return c.fetcher.Fetch(ctx, id)
}
