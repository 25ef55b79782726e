package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fabian4/dynamic-router/internal/route"
)

const DefaultCapacity = 5000

// Cache holds normalized routes built from resolver descriptors. A
// descriptor is built once while it stays cached, so the returned route
// keeps its round-robin position across resolutions.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *route.PathRoute]
	hits   atomic.Uint64
	misses atomic.Uint64

	onLookup func(hit bool)
}

// New returns a cache bounded to capacity entries (DefaultCapacity when <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, *route.PathRoute](capacity)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &Cache{lru: l}
}

// Build normalizes d. Native routes are returned untouched with
// resolved=false; everything else comes from the cache.
func (c *Cache) Build(d route.Descriptor) (r *route.PathRoute, resolved bool, err error) {
	switch v := d.(type) {
	case nil:
		return nil, false, nil
	case *route.PathRoute:
		return v, false, nil
	case route.StringTarget:
		r, err = c.getOrBuild(DescriptorKey(v), func() (*route.PathRoute, error) {
			t, err := route.NewTarget(string(v), route.Options{})
			if err != nil {
				return nil, err
			}
			return route.NewPathRoute("/", t), nil
		})
	case route.StructuredDescriptor:
		r, err = c.getOrBuild(DescriptorKey(v), func() (*route.PathRoute, error) { return buildStructured(v) })
	case *route.StructuredDescriptor:
		if v == nil {
			return nil, false, nil
		}
		r, err = c.getOrBuild(Key(*v), func() (*route.PathRoute, error) { return buildStructured(*v) })
	default:
		return nil, false, fmt.Errorf("%w: unsupported descriptor %T", route.ErrInvalidArgument, d)
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (c *Cache) getOrBuild(key string, build func() (*route.PathRoute, error)) (*route.PathRoute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		c.observe(true)
		return r, nil
	}
	c.misses.Add(1)
	c.observe(false)
	r, err := build()
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, r)
	return r, nil
}

// OnLookup registers fn to be called on every cache hit or miss. It must
// be set before the cache is shared.
func (c *Cache) OnLookup(fn func(hit bool)) { c.onLookup = fn }

func (c *Cache) observe(hit bool) {
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

func buildStructured(d route.StructuredDescriptor) (*route.PathRoute, error) {
	if len(d.URLs) == 0 {
		return nil, fmt.Errorf("%w: descriptor has no urls", route.ErrInvalidArgument)
	}
	p := d.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("%w: path %q must start with /", route.ErrInvalidURI, p)
	}
	ts := make([]*route.Target, 0, len(d.URLs))
	for _, u := range d.URLs {
		t, err := route.NewTarget(u, route.Options{UseTargetHostHeader: d.UseTargetHostHeader})
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return route.NewPathRoute(p, ts...), nil
}

// DescriptorKey is the cache key of d, or "" for native routes and nil.
func DescriptorKey(d route.Descriptor) string {
	switch v := d.(type) {
	case route.StringTarget:
		return "s:" + string(v)
	case route.StructuredDescriptor:
		return Key(v)
	case *route.StructuredDescriptor:
		if v != nil {
			return Key(*v)
		}
	}
	return ""
}

// Key is the cache key of a structured descriptor: a hash over its path,
// host header option and urls in order.
func Key(d route.StructuredDescriptor) string {
	h := xxhash.New()
	p := d.Path
	if p == "" {
		p = "/"
	}
	_, _ = h.WriteString(p)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strconv.FormatBool(d.UseTargetHostHeader))
	for _, u := range d.URLs {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(u)
	}
	return "d:" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every cached route.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Stats reports cache hits and misses since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
