// Package urlutil builds the absolute URLs compass hands to third parties,
// such as Stripe checkout return pages.
package urlutil

import (
	"net/http"
	"strings"
)

// PublicBase returns the base URL third parties should redirect to. A
// configured base wins; otherwise the request's own origin is used, honoring
// X-Forwarded-Proto from a fronting proxy.
func PublicBase(r *http.Request, configured string) string {
	if base := trimBase(configured); base != "" {
		return base
	}
	if r == nil || strings.TrimSpace(r.Host) == "" {
		return ""
	}
	return trimBase(scheme(r) + "://" + strings.TrimSpace(r.Host))
}

// Join appends path to base. Absolute http(s) paths are returned unchanged.
func Join(base, path string) string {
	base = trimBase(base)
	switch {
	case path == "":
		return base
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return path
	case strings.HasPrefix(path, "/"):
		return base + path
	default:
		return base + "/" + path
	}
}

func scheme(r *http.Request) string {
	proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto"))
	if comma := strings.Index(proto, ","); comma >= 0 {
		proto = strings.TrimSpace(proto[:comma])
	}
	if proto == "http" || proto == "https" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func trimBase(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
