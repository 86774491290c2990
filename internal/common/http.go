package common

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the originating client address, preferring proxy headers
// over the socket peer. The first X-Forwarded-For hop wins.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found {
			if candidate := strings.TrimSpace(first); candidate != "" {
				return candidate
			}
		}
		return fwd
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
