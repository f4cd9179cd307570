// Package identity derives the visitor identity used for daily dedup from an
// HTTP request.
package identity

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no address can be found on the request.
const Unknown = "unknown"

// FromRequest returns the client address of r. Proxy headers are trusted in
// this order: X-Forwarded-For (first entry), X-Real-IP, CF-Connecting-IP.
// Without them the host part of RemoteAddr is used.
func FromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	for _, h := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(h)); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr == "" {
		return Unknown
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	if host == "" {
		return Unknown
	}
	return host
}
