package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// uploadRateLimiter caps pin requests per source IP. Every request counts
// because each one costs an upstream pin regardless of outcome.
type uploadRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientRecord
	now     func() time.Time
}

type clientRecord struct {
	requests    []time.Time
	strikes     int
	lockedUntil time.Time
}

const (
	// uploadWindow is the sliding window requests are counted in.
	uploadWindow = 1 * time.Minute
	// uploadMaxRequests is the number of requests allowed per window.
	uploadMaxRequests = 30
	// uploadBaseLockout is the first lockout once the limit is hit.
	uploadBaseLockout = 1 * time.Minute
	// uploadMaxLockout caps the exponential backoff.
	uploadMaxLockout = 15 * time.Minute
	// clientExpiry is how long an idle client record is kept.
	clientExpiry = 1 * time.Hour
)

func newUploadRateLimiter() *uploadRateLimiter {
	return &uploadRateLimiter{
		clients: make(map[string]*clientRecord),
		now:     time.Now,
	}
}

// allow records a request from ip and reports whether it may proceed. When
// it may not, retryAfter says how long the client should wait.
func (rl *uploadRateLimiter) allow(ip string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rec, found := rl.clients[ip]
	if !found {
		rec = &clientRecord{}
		rl.clients[ip] = rec
	}
	if now.Before(rec.lockedUntil) {
		return false, rec.lockedUntil.Sub(now)
	}

	rec.requests = trimWindow(append(rec.requests, now), now, uploadWindow)
	if len(rec.requests) <= uploadMaxRequests {
		return true, 0
	}

	// Exponential backoff: uploadBaseLockout * 2^strikes
	lockout := uploadBaseLockout
	for i := 0; i < rec.strikes; i++ {
		lockout *= 2
		if lockout > uploadMaxLockout {
			lockout = uploadMaxLockout
			break
		}
	}
	rec.strikes++
	rec.requests = rec.requests[:0]
	rec.lockedUntil = now.Add(lockout)
	return false, lockout
}

// sweep removes idle records. Call periodically from a background goroutine.
func (rl *uploadRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, rec := range rl.clients {
		last := rec.lockedUntil
		if n := len(rec.requests); n > 0 && rec.requests[n-1].After(last) {
			last = rec.requests[n-1]
		}
		if now.Sub(last) > clientExpiry {
			delete(rl.clients, ip)
		}
	}
}

// RateLimit is middleware that throttles uploads per client IP.
func (a *API) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if ok, retryAfter := a.limiter.allow(ip); !ok {
			a.audit.logFailure(AuditUploadRateLimited, r, "rate limited", slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartSweeper runs sweep on the limiter every interval until stop is closed.
func (a *API) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.limiter.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many uploads; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP using the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honoured
// when the request's RemoteAddr falls within one of trustedProxies. With
// no trusted proxies the TCP peer is always used.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}
