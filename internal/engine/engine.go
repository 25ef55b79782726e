package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/dynamic-router/internal/cache"
	"github.com/fabian4/dynamic-router/internal/lb"
	"github.com/fabian4/dynamic-router/internal/logging"
	"github.com/fabian4/dynamic-router/internal/metrics"
	"github.com/fabian4/dynamic-router/internal/resolver"
	"github.com/fabian4/dynamic-router/internal/route"
	"github.com/fabian4/dynamic-router/internal/router"
)

type Options struct {
	CacheCapacity int
	Logger        *log.Logger
	Metrics       *metrics.Registry
}

// Engine owns the routing table, the resolver chain and the descriptor
// cache, and turns (host, path) into a route.
type Engine struct {
	table   *router.Table
	chain   *resolver.Chain
	cache   *cache.Cache
	log     *log.Logger
	metrics *metrics.Registry
}

func New(opts Options) *Engine {
	tb := router.New()
	c := cache.New(opts.CacheCapacity)
	c.OnLookup(opts.Metrics.CacheLookup)
	return &Engine{
		table: tb,
		chain: resolver.NewChain(resolver.Entry{
			Name:     resolver.TableName,
			Resolver: resolver.Table{T: tb},
			Priority: 0,
		}),
		cache:   c,
		log:     logging.Or(opts.Logger).WithPrefix("engine"),
		metrics: opts.Metrics,
	}
}

// Register adds target under src. See router.Table.Register.
func (e *Engine) Register(src, target string, opts route.Options) error {
	if err := e.table.Register(src, target, opts); err != nil {
		return err
	}
	e.metrics.SetRoutes(e.table.Len())
	e.log.Debug("registered route", "src", src, "target", target)
	return nil
}

// Unregister removes target (or all targets when empty) from src.
// Cached resolver descriptors are left alone; use PurgeCache to drop them.
func (e *Engine) Unregister(src, target string) error {
	if err := e.table.Unregister(src, target); err != nil {
		return err
	}
	e.metrics.SetRoutes(e.table.Len())
	e.log.Debug("unregistered route", "src", src, "target", target)
	return nil
}

// AddResolver installs resolvers. Entries named like an existing one
// replace it; the table resolver cannot be replaced.
func (e *Engine) AddResolver(entries ...resolver.Entry) error {
	for _, en := range entries {
		if en.Name == "" {
			return fmt.Errorf("%w: resolver name is required", route.ErrInvalidArgument)
		}
		if en.Name == resolver.TableName {
			return fmt.Errorf("%w: %q is reserved", route.ErrInvalidArgument, resolver.TableName)
		}
		if en.Resolver == nil {
			return fmt.Errorf("%w: resolver %q is nil", route.ErrInvalidArgument, en.Name)
		}
	}
	e.chain.Add(entries...)
	return nil
}

// RemoveResolver drops every resolver named name and reports whether any was removed.
func (e *Engine) RemoveResolver(name string) bool {
	if name == resolver.TableName {
		return false
	}
	return e.chain.Remove(name) > 0
}

// Resolvers lists the chain in resolution order.
func (e *Engine) Resolvers() []resolver.Entry { return e.chain.Snapshot() }

func (e *Engine) Routes() []router.Entry { return e.table.Routes() }

// PurgeCache drops every cached resolver route.
func (e *Engine) PurgeCache() { e.cache.Purge() }

func (e *Engine) CacheLen() int { return e.cache.Len() }

type outcome struct {
	d   route.Descriptor
	err error
}

// Match is a resolution result.
type Match struct {
	Route *route.PathRoute
	// Resolver is the name of the resolver that answered.
	Resolver string
	// Key identifies the route: host+path for the routing table, resolver
	// name plus descriptor key otherwise.
	Key string
}

// Resolve asks every resolver concurrently and returns the route of the
// highest priority acceptable answer, or nil. Resolver errors and panics
// count as no answer.
func (e *Engine) Resolve(ctx context.Context, host, path string, req *http.Request) *route.PathRoute {
	m, _ := e.Match(ctx, host, path, req)
	return m.Route
}

// Match is Resolve with the identity of the answer.
func (e *Engine) Match(ctx context.Context, host, path string, req *http.Request) (Match, bool) {
	host = route.NormalizeHost(host)
	if host == "" {
		return Match{}, false
	}
	if path == "" {
		path = "/"
	}

	entries := e.chain.Snapshot()
	results := make([]outcome, len(entries))

	// errgroup without a derived context: one failure never cancels siblings.
	var g errgroup.Group
	for i, en := range entries {
		i, en := i, en
		g.Go(func() error {
			results[i] = call(ctx, en, host, path, req)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		name := entries[i].Name
		if res.err != nil {
			e.log.Warn("resolver failed", "resolver", name, "host", host, "path", path, "err", res.err)
			e.metrics.IncResolverFailure(name)
			continue
		}
		if res.d == nil {
			continue
		}
		r, resolved, err := e.cache.Build(res.d)
		if err != nil {
			e.log.Warn("resolver returned invalid route", "resolver", name, "host", host, "err", err)
			e.metrics.IncResolverFailure(name)
			continue
		}
		if r == nil {
			continue
		}
		if r.Path == "/" || !resolved || route.MatchPath(r.Path, path) {
			return Match{Route: r, Resolver: name, Key: matchKey(name, host, r, res.d)}, true
		}
	}
	return Match{}, false
}

func matchKey(name, host string, r *route.PathRoute, d route.Descriptor) string {
	if name == resolver.TableName {
		return host + r.Path
	}
	if k := cache.DescriptorKey(d); k != "" {
		return name + ":" + k
	}
	return name + ":" + r.Path
}

func call(ctx context.Context, en resolver.Entry, host, path string, req *http.Request) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Errorf("panic: %v", p)}
		}
	}()
	d, err := en.Resolver.Resolve(ctx, host, path, req)
	return outcome{d: d, err: err}
}

// Decide resolves (host, path) and selects a target from the winning route.
func (e *Engine) Decide(ctx context.Context, host, path string, req *http.Request) (lb.Selection, bool) {
	m, ok := e.Match(ctx, host, path, req)
	if !ok {
		return lb.Selection{}, false
	}
	return lb.Select(m.Route, path)
}
