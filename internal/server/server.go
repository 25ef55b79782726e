package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/dynamic-router/internal/acme"
	"github.com/fabian4/dynamic-router/internal/admin"
	"github.com/fabian4/dynamic-router/internal/config"
	"github.com/fabian4/dynamic-router/internal/discovery/consul"
	fwd "github.com/fabian4/dynamic-router/internal/forward"
	"github.com/fabian4/dynamic-router/internal/engine"
	"github.com/fabian4/dynamic-router/internal/handler"
	"github.com/fabian4/dynamic-router/internal/logging"
	"github.com/fabian4/dynamic-router/internal/metrics"
	"github.com/fabian4/dynamic-router/internal/ratelimit"
	"github.com/fabian4/dynamic-router/internal/resolver"
	"github.com/fabian4/dynamic-router/internal/route"
	"github.com/fabian4/dynamic-router/internal/version"
)

// Server wires the engine, the gateway and the admin API to listeners.
type Server struct {
	log        *log.Logger
	metrics    *metrics.Registry
	engine     *engine.Engine
	gateway    *handler.Gateway
	transports *fwd.Registry
	limiter    *ratelimit.Limiter
	admin      *echo.Echo
	acme       *acme.Store
	consul     *consul.Resolver

	mu      sync.Mutex
	cfg     *config.Config
	proxy   *http.Server
	adminHS *http.Server
	proxyLn net.Listener
	adminLn net.Listener
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a server from cfg without binding any listener.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	logger = logging.Or(logger)
	s := &Server{
		log:        logger.WithPrefix("server"),
		metrics:    metrics.NewRegistry(),
		transports: fwd.NewDefaultRegistry(),
		limiter:    ratelimit.NewLimiter(),
		cfg:        cfg,
	}
	s.engine = engine.New(engine.Options{
		CacheCapacity: cfg.CacheCapacity,
		Logger:        logger,
		Metrics:       s.metrics,
	})

	for _, r := range cfg.Routes {
		for _, t := range r.Targets {
			if err := s.engine.Register(r.Src, t, r.Options); err != nil {
				return nil, fmt.Errorf("route %s -> %s: %w", r.Src, t, err)
			}
		}
	}
	if err := s.engine.AddResolver(headerEntries(cfg.Headers)...); err != nil {
		return nil, err
	}

	if cfg.Consul.Enabled {
		client, err := consul.NewClient(cfg.Consul.Address, cfg.Consul.Datacenter, cfg.Consul.Token)
		if err != nil {
			return nil, fmt.Errorf("consul client: %w", err)
		}
		s.consul = consul.NewResolver(client, consul.Config{
			Datacenter: cfg.Consul.Datacenter,
			Tag:        cfg.Consul.Tag,
			WaitTime:   cfg.Consul.WaitTime,
		}, logger)
		if err := s.engine.AddResolver(resolver.Entry{
			Name:     config.ReservedConsulName,
			Resolver: s.consul,
			Priority: cfg.Consul.Priority,
		}); err != nil {
			return nil, err
		}
	}

	var acmeHandler http.Handler
	if cfg.ACME.Enabled {
		store, err := acme.NewStore(cfg.ACME.RootDir)
		if err != nil {
			return nil, err
		}
		s.acme = store
		acmeHandler = store.Handler()
	}

	s.gateway = handler.NewGateway(s.engine, handler.Options{
		Transports: s.transports,
		AccessLog:  os.Stdout,
		Metrics:    s.metrics,
		Limiter:    s.limiter,
		ACME:       acmeHandler,
		Logger:     logger,
		State:      stateFor(cfg),
	})
	if cfg.AdminListen != "" {
		s.admin = admin.New(s.engine, s.metrics, logger)
	}
	return s, nil
}

// Engine exposes the routing engine for programmatic registration.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Gateway is the proxy handler.
func (s *Server) Gateway() *handler.Gateway { return s.gateway }

// ACME returns the challenge store, or nil when ACME is disabled.
func (s *Server) ACME() *acme.Store { return s.acme }

// Start binds the proxy and admin listeners and serves them in the
// background. The consul watcher runs until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyLn != nil {
		return errors.New("server already started")
	}

	proxyLn, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	var adminLn net.Listener
	if s.admin != nil {
		if adminLn, err = net.Listen("tcp", s.cfg.AdminListen); err != nil {
			_ = proxyLn.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.AdminListen, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel, s.group = cancel, g
	s.proxyLn, s.adminLn = proxyLn, adminLn

	s.proxy = &http.Server{
		Handler:           s.gateway,
		ReadTimeout:       s.cfg.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error { return serve(s.proxy, proxyLn) })

	if adminLn != nil {
		s.adminHS = &http.Server{Handler: s.admin, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serve(s.adminHS, adminLn) })
	}
	if s.consul != nil {
		g.Go(func() error { return s.consul.Run(gctx) })
	}
	if s.acme != nil {
		base := "http://" + loopback(proxyLn.Addr())
		domains := hostnames(s.cfg.Routes)
		g.Go(func() error {
			s.verifyACME(gctx, base, domains)
			return nil
		})
	}

	s.log.Info("dynamic-router listening",
		"version", version.Value,
		"addr", proxyLn.Addr().String(),
		"admin", s.AdminAddr(),
		"routes", len(s.engine.Routes()),
		"resolvers", len(s.engine.Resolvers()))
	return nil
}

// verifyACME checks that challenges for every static host are answered
// by the proxy listener. Failures are logged, not fatal.
func (s *Server) verifyACME(ctx context.Context, base string, domains []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for _, d := range domains {
		if err := s.acme.Verify(ctx, client, base, d); err != nil {
			s.log.Warn("acme challenge self-check failed", "domain", d, "err", err)
			continue
		}
		s.log.Debug("acme challenge self-check passed", "domain", d)
	}
}

// loopback turns a wildcard listen address into one that can be dialed.
func loopback(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func hostnames(routes []config.Route) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range routes {
		src, err := route.ParseSource(r.Src)
		if err != nil || seen[src.Hostname] {
			continue
		}
		seen[src.Hostname] = true
		out = append(out, src.Hostname)
	}
	return out
}

func serve(hs *http.Server, ln net.Listener) error {
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr is the bound proxy address, or "" before Start.
func (s *Server) Addr() string {
	if s.proxyLn == nil {
		return ""
	}
	return s.proxyLn.Addr().String()
}

// AdminAddr is the bound admin address, or "" when the admin API is off.
func (s *Server) AdminAddr() string {
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Wait blocks until every listener and watcher has stopped.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Reload applies a new config. Static routes are diffed so that
// unchanged registrations keep their round-robin position. Listener,
// consul and ACME settings need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg

	if cfg.Listen != old.Listen || cfg.AdminListen != old.AdminListen {
		s.log.Warn("listen address changes require a restart")
	}
	if cfg.Consul != old.Consul || cfg.ACME != old.ACME {
		s.log.Warn("consul and acme changes require a restart")
	}

	prev, next := registrations(old.Routes), registrations(cfg.Routes)
	var errs []error
	for k, r := range prev {
		if _, ok := next[k]; !ok {
			errs = append(errs, s.engine.Unregister(r.src, r.target))
		}
	}
	for k, r := range next {
		if _, ok := prev[k]; !ok {
			errs = append(errs, s.engine.Register(r.src, r.target, r.opts))
		}
	}

	live := make(map[string]bool)
	for _, h := range hostRoutes(cfg.Routes) {
		live[h] = true
	}
	for _, k := range hostRoutes(old.Routes) {
		if !live[k] {
			s.limiter.Forget(k)
		}
	}

	keep := make(map[string]config.HeaderResolver, len(cfg.Headers))
	for _, h := range cfg.Headers {
		keep[h.Name] = h
	}
	for _, h := range old.Headers {
		next, ok := keep[h.Name]
		if !ok {
			s.engine.RemoveResolver(h.Name)
		}
		if !ok || !sameHeader(h, next) {
			s.limiter.ForgetPrefix(h.Name + ":")
		}
	}
	errs = append(errs, s.engine.AddResolver(headerEntries(cfg.Headers)...))

	s.gateway.UpdateState(stateFor(cfg))
	// descriptors built from the old header targets are stale now
	s.engine.PurgeCache()
	s.cfg = cfg

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("configuration reloaded", "routes", len(s.engine.Routes()))
	return nil
}

// Close stops accepting connections immediately and stops the watchers.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.proxy != nil {
		errs = append(errs, s.proxy.Close())
	}
	if s.adminHS != nil {
		errs = append(errs, s.adminHS.Close())
	}
	s.transports.CloseIdle()
	return errors.Join(errs...)
}

// Shutdown drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.proxy != nil {
		errs = append(errs, s.proxy.Shutdown(ctx))
	}
	if s.adminHS != nil {
		errs = append(errs, s.adminHS.Shutdown(ctx))
	}
	s.transports.CloseIdle()
	return errors.Join(errs...)
}

// hostRoutes returns the rate limit keys of static routes.
func hostRoutes(routes []config.Route) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		if src, err := route.ParseSource(r.Src); err == nil {
			out = append(out, handler.RouteKey(src.Hostname, src.Path))
		}
	}
	return out
}

func sameHeader(a, b config.HeaderResolver) bool {
	return a.Header == b.Header && a.Value == b.Value && a.Path == b.Path &&
		a.UseTargetHostHeader == b.UseTargetHostHeader && slices.Equal(a.Targets, b.Targets)
}

type registration struct {
	src    string
	target string
	opts   route.Options
}

// registrations flattens routes into one entry per (source, target, options).
func registrations(routes []config.Route) map[string]registration {
	out := make(map[string]registration)
	for _, r := range routes {
		src := r.Src
		if s, err := route.ParseSource(r.Src); err == nil {
			src = s.String()
		}
		for _, t := range r.Targets {
			id := t
			if tg, err := route.NewTarget(t, r.Options); err == nil {
				id = tg.Key()
			}
			k := fmt.Sprintf("%s|%s|%t", src, id, r.Options.UseTargetHostHeader)
			out[k] = registration{src: r.Src, target: t, opts: r.Options}
		}
	}
	return out
}

func headerEntries(hs []config.HeaderResolver) []resolver.Entry {
	out := make([]resolver.Entry, 0, len(hs))
	for _, h := range hs {
		out = append(out, resolver.Entry{
			Name: h.Name,
			Resolver: resolver.Header{
				Name:  h.Header,
				Value: h.Value,
				Route: route.StructuredDescriptor{
					URLs:                h.Targets,
					Path:                h.Path,
					UseTargetHostHeader: h.UseTargetHostHeader,
				},
			},
			Priority: h.Priority,
		})
	}
	return out
}

func stateFor(cfg *config.Config) handler.State {
	st := handler.State{
		UpstreamTimeout:  cfg.Timeouts.Upstream,
		AccessLog:        cfg.AccessLog,
		RateLimits:       make(map[string]ratelimit.Config),
		DefaultRateLimit: cfg.RateLimit,
	}
	for _, r := range cfg.Routes {
		src, err := route.ParseSource(r.Src)
		if err != nil {
			continue
		}
		st.RateLimits[handler.RouteKey(src.Hostname, src.Path)] = cfg.RateLimitFor(r)
	}
	return st
}
