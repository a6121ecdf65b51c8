// Package api serves the backend used by the browser client: trusted
// configuration, envelope and attachment pinning, and content retrieval.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/medseal/config"
	"github.com/jmcleod/medseal/content"
)

const (
	// DefaultMaxJSONBytes limits POST /upload bodies.
	DefaultMaxJSONBytes = 2 << 20
	// DefaultMaxFileBytes limits POST /upload-file attachments.
	DefaultMaxFileBytes = 25 << 20
)

// DefaultAllowedOrigins are the local development origins accepted when no
// allow-list is configured.
var DefaultAllowedOrigins = []string{
	"http://127.0.0.1:8080",
	"http://localhost:8080",
	"http://127.0.0.1:8081",
	"http://localhost:8081",
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	store          content.Store
	loadConfig     func() (*config.Config, error)
	allowedOrigins map[string]bool
	maxJSONBytes   int64
	maxFileBytes   int64
	trustedProxies []netip.Prefix
	limiter        *uploadRateLimiter
	audit          *auditLogger
	alertFn        AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithConfigLoader sets how GET /config obtains the configuration. It is
// called on every request. The default reads the environment.
func WithConfigLoader(fn func() (*config.Config, error)) Option {
	return func(a *API) {
		a.loadConfig = fn
	}
}

// WithAllowedOrigins replaces the CORS allow-list.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) {
		a.allowedOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			a.allowedOrigins[o] = true
		}
	}
}

// WithMaxJSONBytes sets the envelope body size limit.
func WithMaxJSONBytes(n int64) Option {
	return func(a *API) {
		a.maxJSONBytes = n
	}
}

// WithMaxFileBytes sets the attachment size limit.
func WithMaxFileBytes(n int64) Option {
	return func(a *API) {
		a.maxFileBytes = n
	}
}

// WithTrustedProxies sets the proxy ranges whose forwarding headers are
// honoured when identifying clients for rate limiting. Bare addresses are
// treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertFunc registers a callback for upload failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance that pins to and reads from store.
func New(store content.Store, opts ...Option) *API {
	a := &API{
		store:        store,
		loadConfig:   config.FromEnv,
		maxJSONBytes: DefaultMaxJSONBytes,
		maxFileBytes: DefaultMaxFileBytes,
		limiter:      newUploadRateLimiter(),
	}
	WithAllowedOrigins(DefaultAllowedOrigins)(a)
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.CORS)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/config", a.Config)
	r.Get("/content/{cid}", a.GetContent)

	r.Group(func(r chi.Router) {
		r.Use(a.RateLimit)
		r.Post("/upload", a.Upload)
		r.Post("/upload-file", a.UploadFile)
	})

	return r
}
