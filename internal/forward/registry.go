package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fabian4/dynamic-router/internal/route"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the default transports and the upgrade dialer.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 disables

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Registry is a threadsafe map of named RoundTrippers, plus the dialer
// used for upgraded connections.
type Registry struct {
	mu     sync.RWMutex
	store  map[string]http.RoundTripper
	opts   Options
	dialer *net.Dialer
}

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with the given options and pre-registers http1/auto.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store:  make(map[string]http.RoundTripper),
		opts:   opts,
		dialer: &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: opts.DialKeepAlive},
	}
	r.store[ProtoHTTP1] = r.newTransport(false)
	r.store[ProtoAuto] = r.newTransport(true)
	return r
}

// Get returns the transport registered as name, falling back to http1.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.store[name]; ok && rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// For picks the transport for t: auto (h2 via ALPN) for https, http1 otherwise.
func (r *Registry) For(t *route.Target) http.RoundTripper {
	if t != nil && t.Scheme() == "https" {
		return r.Get(ProtoAuto)
	}
	return r.Get(ProtoHTTP1)
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// Dial opens a raw connection to t for an upgraded request, speaking TLS
// when the target is https.
func (r *Registry) Dial(ctx context.Context, t *route.Target) (net.Conn, error) {
	if t == nil {
		return nil, fmt.Errorf("dial: nil target")
	}
	if t.Scheme() != "https" {
		return r.dialer.DialContext(ctx, "tcp", t.Address())
	}
	d := &tls.Dialer{
		NetDialer: r.dialer,
		Config: &tls.Config{
			ServerName:         t.Hostname(),
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
			RootCAs:            r.opts.RootCAs,
			NextProtos:         []string{"http/1.1"},
		},
	}
	return d.DialContext(ctx, "tcp", t.Address())
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

func (r *Registry) newTransport(h2 bool) *http.Transport {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           r.dialer.DialContext,
		ForceAttemptHTTP2:     h2,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: r.opts.ResponseHeaderTimeout,
	}
	if !h2 {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
			RootCAs:            r.opts.RootCAs,
			NextProtos:         []string{"http/1.1"},
		}
	} else if r.opts.InsecureSkipVerify || r.opts.RootCAs != nil {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: r.opts.InsecureSkipVerify,
			RootCAs:            r.opts.RootCAs,
		}
	}
	return tr
}
