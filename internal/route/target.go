package route

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Options tunes how a target is dialed and presented upstream.
type Options struct {
	// UseTargetHostHeader sends the target's host as the Host header instead of the inbound one.
	UseTargetHostHeader bool `yaml:"use_target_host_header" json:"use_target_host_header"`
}

// Target is one backend a route can dispatch to. It is immutable once built.
type Target struct {
	scheme   string
	host     string // host[:port] as given, lower-cased
	hostname string
	port     string
	pathname string
	useHost  bool
}

// NewTarget parses raw into a Target. A missing scheme defaults to http.
func NewTarget(raw string, opts Options) (*Target, error) {
	u, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}
	return TargetFromURL(u, opts)
}

// TargetFromURL builds a Target from an already parsed URL.
func TargetFromURL(u *url.URL, opts Options) (*Target, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidArgument)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURI, u.String())
	}
	return &Target{
		scheme:   scheme,
		host:     strings.ToLower(u.Host),
		hostname: strings.ToLower(u.Hostname()),
		port:     u.Port(),
		pathname: u.Path,
		useHost:  opts.UseTargetHostHeader,
	}, nil
}

// ParseURI parses a source or target URI, defaulting the scheme to http
// so that "localhost:9000" and "example.com/api" are accepted.
func ParseURI(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: empty uri", ErrInvalidArgument)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURI, raw)
	}
	return u, nil
}

func (t *Target) Scheme() string   { return t.scheme }
func (t *Target) Host() string     { return t.host }
func (t *Target) Hostname() string { return t.hostname }
func (t *Target) Path() string     { return t.pathname }

// Port returns the explicit port, or the scheme default.
func (t *Target) Port() string {
	if t.port != "" {
		return t.port
	}
	if t.scheme == "https" {
		return "443"
	}
	return "80"
}

// Address is the host:port pair to dial.
func (t *Target) Address() string {
	if t.port != "" {
		return t.host
	}
	return t.hostname + ":" + t.Port()
}

func (t *Target) UseTargetHostHeader() bool { return t.useHost }

// URL returns a fresh copy of the target as a URL.
func (t *Target) URL() *url.URL {
	return &url.URL{Scheme: t.scheme, Host: t.host, Path: t.pathname}
}

func (t *Target) String() string {
	return t.scheme + "://" + t.host + t.pathname
}

// Key identifies the backend: the default port is spelled out and an
// empty path is "/", so "localhost:9000" and "http://localhost:9000/"
// are the same target.
func (t *Target) Key() string {
	p := t.pathname
	if p == "" {
		p = "/"
	}
	return t.scheme + "://" + net.JoinHostPort(t.hostname, t.Port()) + p
}
