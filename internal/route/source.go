package route

import (
	"fmt"
	"net/url"
	"strings"
)

// Source is the (hostname, path prefix) pair a route is registered under.
type Source struct {
	Hostname string
	Path     string
}

// ParseSource validates raw and normalizes it. The path defaults to "/".
func ParseSource(raw string) (Source, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return Source{}, err
	}
	return SourceFromURL(u)
}

// SourceFromURL normalizes an already parsed source URL.
func SourceFromURL(u *url.URL) (Source, error) {
	if u == nil {
		return Source{}, fmt.Errorf("%w: source is required", ErrInvalidArgument)
	}
	host := NormalizeHost(u.Host)
	if host == "" {
		return Source{}, fmt.Errorf("%w: %q has no host", ErrInvalidURI, u.String())
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return Source{Hostname: host, Path: p}, nil
}

func (s Source) String() string {
	return s.Hostname + s.Path
}
