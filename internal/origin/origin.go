// Package origin validates browser Origin headers for the HTTP and
// WebSocket surfaces.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Normalize validates an Origin header and returns it in canonical
// scheme://host[:port] form. Default ports are stripped. The special value
// "null" (sandboxed documents, file:// pages) is passed through.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	if hostname, port, err := net.SplitHostPort(host); err == nil {
		if port == "" {
			return "", false
		}
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = hostname
			if strings.Contains(hostname, ":") {
				host = "[" + hostname + "]"
			}
		}
	}
	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may access the server.
//
// Entries in allowed are "*" or normalized origins. An empty list falls back
// to same-host only: the origin's host[:port] must equal the request Host.
// Scheme is deliberately not compared for the fallback, since a
// TLS-terminating proxy makes the server see http for an https origin.
func Allowed(normalized, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	host, ok := strings.CutPrefix(normalized, "http://")
	if !ok {
		host, ok = strings.CutPrefix(normalized, "https://")
	}
	if !ok {
		// "null" and anything unnormalized can never match a host.
		return false
	}
	return host == strings.ToLower(strings.TrimSpace(requestHost))
}
