package security

import (
	"net/http"
	"strconv"
)

const defaultHSTSMaxAge = 31536000

// Headers stamps hardening headers onto every response. HSTS is only emitted
// on TLS requests so plain-HTTP health probes never pin the host.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Middleware returns the header-setting wrapper. Disabled instances pass
// requests through untouched.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Enable {
			next.ServeHTTP(w, r)
			return
		}

		hdr := w.Header()
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("Referrer-Policy", "no-referrer")
		hdr.Set("Permissions-Policy", "geolocation=(), microphone=()")

		if h.EnableHSTS && r.TLS != nil {
			hdr.Set("Strict-Transport-Security", h.hstsValue())
		}

		next.ServeHTTP(w, r)
	})
}

func (h Headers) hstsValue() string {
	maxAge := h.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	value := "max-age=" + strconv.Itoa(maxAge)
	if h.HSTSIncludeSubdomains {
		value += "; includeSubDomains"
	}
	return value
}
