package resolver

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/fabian4/dynamic-router/internal/route"
)

// Resolver produces a route for a request, independent of the static
// table. Returning (nil, nil) means no match; an error is logged by the
// engine and treated the same way.
type Resolver interface {
	Resolve(ctx context.Context, host, path string, req *http.Request) (route.Descriptor, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, host, path string, req *http.Request) (route.Descriptor, error)

func (f Func) Resolve(ctx context.Context, host, path string, req *http.Request) (route.Descriptor, error) {
	return f(ctx, host, path, req)
}

// Entry registers a resolver in a chain. Name is its identity.
type Entry struct {
	Name     string
	Resolver Resolver
	Priority int
}

// Chain keeps resolver entries sorted by descending priority.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewChain(entries ...Entry) *Chain {
	c := &Chain{}
	c.Add(entries...)
	return c
}

// Add inserts entries and re-sorts the chain. An entry whose name is
// already present replaces it in place.
func (c *Chain) Add(entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]Entry, len(c.entries), len(c.entries)+len(entries))
	copy(next, c.entries)
outer:
	for _, e := range entries {
		if e.Resolver == nil {
			continue
		}
		for i := range next {
			if next[i].Name == e.Name {
				next[i] = e
				continue outer
			}
		}
		next = append(next, e)
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority > next[j].Priority
	})
	c.entries = next
}

// Remove drops every entry named name and reports how many were removed.
func (c *Chain) Remove(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Name != name {
			next = append(next, e)
		}
	}
	n := len(c.entries) - len(next)
	c.entries = next
	return n
}

// Snapshot returns the entries in resolution order. The slice is never
// mutated by the chain afterwards.
func (c *Chain) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
