package api

import (
	"log/slog"
	"net/http"
	"strings"
)

// CORS is middleware enforcing the origin allow-list. Requests without an
// Origin header, such as same-origin or server-to-server calls, pass.
// Preflight requests are answered here.
func (a *API) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.allowedOrigins[origin] {
			a.audit.logFailure(AuditOriginRejected, r, "origin not allowed", slog.String("origin", origin))
			writeError(w, http.StatusForbidden, "Origin not allowed by CORS")
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", origin)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseOrigins splits a comma-separated ALLOWED_ORIGINS value. An empty
// value yields DefaultAllowedOrigins.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultAllowedOrigins...)
	}
	return out
}
