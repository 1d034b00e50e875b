package middleware

import "net/http"

// SecurityHeaders hardens every response leaving the relay. The relay serves
// JSON and opaque upstream payloads, never its own HTML, so the set is small:
// forbid MIME sniffing of proxied bodies, refuse framing, and strip
// referrers. HSTS is added only when the request demonstrably arrived over
// HTTPS, either directly or via a terminating proxy that set
// X-Forwarded-Proto; advertising it on plain HTTP would be a lie the browser
// remembers for a year.
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")

			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
