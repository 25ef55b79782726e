package lb

import (
	"strings"

	"github.com/fabian4/dynamic-router/internal/route"
)

// Selection is the outcome of one routing decision.
type Selection struct {
	Route  *route.PathRoute
	Target *route.Target
	Path   string // outbound request path
}

// Select picks the next target of r in round-robin order and rewrites
// reqPath for it. ok is false when the route has no targets.
func Select(r *route.PathRoute, reqPath string) (sel Selection, ok bool) {
	if r == nil {
		return Selection{}, false
	}
	t := r.Next()
	if t == nil {
		return Selection{}, false
	}
	return Selection{
		Route:  r,
		Target: t,
		Path:   RewritePath(r.Path, t.Path(), reqPath),
	}, true
}

// RewritePath strips routePath from reqPath (when the route is deeper
// than "/") and prefixes the remainder with targetPath.
func RewritePath(routePath, targetPath, reqPath string) string {
	p := reqPath
	if p == "" {
		p = "/"
	}
	if len(routePath) > 1 && strings.HasPrefix(p, routePath) {
		p = p[len(routePath):]
		if p == "" {
			p = "/"
		}
	}
	if targetPath == "" || targetPath == "/" {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return p
	}
	if p == "/" {
		return targetPath
	}
	return joinSlash(targetPath, p)
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
