// Package security provides the relay server's abuse controls: per-IP rate
// limiting and source filtering for webhooks, and connection limits for
// subscriber sockets.
package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the peer address of the request. Only RemoteAddr is used;
// forwarding headers are trivially spoofed by anyone who can reach the listener.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might be just an IP without port
		return r.RemoteAddr
	}
	return ip
}

// ProxiedClientIP returns the address a fronting reverse proxy appended to
// X-Forwarded-For, falling back to ClientIP when the header is absent or its
// last entry is not an IP. Earlier entries come from the sender and are ignored.
// Only use it on a listener that is reachable solely through that proxy.
func ProxiedClientIP(r *http.Request) string {
	values := r.Header.Values("X-Forwarded-For")
	if len(values) == 0 {
		return ClientIP(r)
	}
	hops := strings.Split(values[len(values)-1], ",")
	last := strings.TrimSpace(hops[len(hops)-1])
	if net.ParseIP(last) == nil {
		return ClientIP(r)
	}
	return last
}

// ClientIPFunc picks the address used to key per-IP limits.
func ClientIPFunc(trustProxy bool) func(*http.Request) string {
	if trustProxy {
		return ProxiedClientIP
	}
	return ClientIP
}
