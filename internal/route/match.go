package route

import (
	"net"
	"strings"
)

// MatchPath reports whether routePath is a path-segment prefix of reqPath.
//
//	routePath="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	routePath="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	routePath="/"     matches everything.
func MatchPath(routePath, reqPath string) bool {
	if routePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, routePath) {
		return false
	}
	if len(reqPath) == len(routePath) {
		return true
	}
	return strings.HasSuffix(routePath, "/") || reqPath[len(routePath)] == '/'
}

// NormalizeHost lower-cases h and strips any port and trailing dot.
func NormalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	} else if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return strings.TrimSuffix(h, ".")
}
