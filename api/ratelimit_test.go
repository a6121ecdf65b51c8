package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLimiter(now *time.Time) *uploadRateLimiter {
	rl := newUploadRateLimiter()
	rl.now = func() time.Time { return *now }
	return rl
}

func TestUploadRateLimiter_AllowsUpToLimit(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)

	for i := 0; i < uploadMaxRequests; i++ {
		ok, _ := rl.allow("203.0.113.1")
		require.True(t, ok, "request %d should pass", i+1)
	}
	ok, retryAfter := rl.allow("203.0.113.1")
	assert.False(t, ok)
	assert.Equal(t, uploadBaseLockout, retryAfter)
}

func TestUploadRateLimiter_WindowSlides(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)

	for i := 0; i < uploadMaxRequests; i++ {
		rl.allow("203.0.113.1")
	}
	now = now.Add(uploadWindow + time.Second)
	ok, _ := rl.allow("203.0.113.1")
	assert.True(t, ok, "requests outside the window should not count")
}

func TestUploadRateLimiter_ExponentialBackoff(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)

	exhaust := func() time.Duration {
		for {
			if ok, retryAfter := rl.allow("203.0.113.1"); !ok {
				return retryAfter
			}
		}
	}
	first := exhaust()
	now = now.Add(first)
	second := exhaust()
	assert.Equal(t, 2*first, second)

	// Repeated strikes are capped.
	for i := 0; i < 10; i++ {
		now = now.Add(uploadMaxLockout)
		exhaust()
	}
	now = now.Add(uploadMaxLockout)
	assert.Equal(t, uploadMaxLockout, exhaust())
}

func TestUploadRateLimiter_LockedRequestsReportRemaining(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)
	for i := 0; i <= uploadMaxRequests; i++ {
		rl.allow("203.0.113.1")
	}
	now = now.Add(20 * time.Second)
	ok, retryAfter := rl.allow("203.0.113.1")
	assert.False(t, ok)
	assert.Equal(t, uploadBaseLockout-20*time.Second, retryAfter)
}

func TestUploadRateLimiter_IsolatesClients(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)
	for i := 0; i <= uploadMaxRequests; i++ {
		rl.allow("203.0.113.1")
	}
	ok, _ := rl.allow("203.0.113.2")
	assert.True(t, ok, "rate limit for one client should not affect another")
}

func TestUploadRateLimiter_SweepRemovesIdle(t *testing.T) {
	now := time.Now()
	rl := fixedLimiter(&now)
	rl.allow("203.0.113.1")
	now = now.Add(2 * clientExpiry)
	rl.allow("203.0.113.2")

	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "203.0.113.1")
	assert.Contains(t, rl.clients, "203.0.113.2")
}

func TestRateLimitMiddleware(t *testing.T) {
	a := New(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	h := a.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i <= uploadMaxRequests; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/upload", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		h.ServeHTTP(last, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("fd00::/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
		{
			name:       "no trusted proxies ignores XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honours XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25, 10.0.0.3"},
			proxies:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "xff skips invalid entries",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7"},
			proxies:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded quoted ipv6",
			remoteAddr: "[fd00::1]:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::42]:1234"`},
			proxies:    trusted,
			want:       "2001:db8::42",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			proxies:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer spoofing",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			proxies: trusted,
			want:    "203.0.113.99",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	t.Run("valid CIDRs", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "172.16.0.0/12"})
		require.NoError(t, err)
		a := &API{}
		opt(a)
		assert.Len(t, a.trustedProxies, 2)
	})

	t.Run("bare IPs become host prefixes", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.1", "::1"})
		require.NoError(t, err)
		a := &API{}
		opt(a)
		assert.Equal(t, 32, a.trustedProxies[0].Bits())
		assert.Equal(t, 128, a.trustedProxies[1].Bits())
	})

	t.Run("invalid entry", func(t *testing.T) {
		_, err := WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
		require.Error(t, err)
	})
}
