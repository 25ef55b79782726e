package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fabian4/dynamic-router/internal/route"
)

// Table maps a hostname to its routes, kept sorted by descending path
// length so the most specific prefix is tested first.
type Table struct {
	mu     sync.RWMutex
	byHost map[string][]*route.PathRoute
}

// Entry is a point-in-time view of one registered route.
type Entry struct {
	Host    string   `json:"host"`
	Path    string   `json:"path"`
	Targets []string `json:"targets"`
}

func New() *Table {
	return &Table{byHost: make(map[string][]*route.PathRoute)}
}

// Register adds target under src, creating the route if needed.
// Both values are validated before the table is touched.
func (t *Table) Register(src, target string, opts route.Options) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: src and target are required", route.ErrInvalidArgument)
	}
	s, err := route.ParseSource(src)
	if err != nil {
		return fmt.Errorf("src %q: %w", src, err)
	}
	tg, err := route.NewTarget(target, opts)
	if err != nil {
		return fmt.Errorf("target %q: %w", target, err)
	}
	return t.RegisterTarget(s, tg)
}

// RegisterTarget is Register for values that are already parsed.
func (t *Table) RegisterTarget(src route.Source, tg *route.Target) error {
	if src.Hostname == "" || tg == nil {
		return fmt.Errorf("%w: src and target are required", route.ErrInvalidArgument)
	}
	if src.Path == "" {
		src.Path = "/"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.byHost[src.Hostname]
	for _, r := range rs {
		if r.Path == src.Path {
			r.Add(tg)
			return nil
		}
	}
	next := make([]*route.PathRoute, 0, len(rs)+1)
	next = append(next, rs...)
	next = append(next, route.NewPathRoute(src.Path, tg))
	sort.SliceStable(next, func(i, j int) bool {
		return len(next[i].Path) > len(next[j].Path)
	})
	t.byHost[src.Hostname] = next
	return nil
}

// Unregister removes target from the route at src, or every target when
// target is empty. Routes left without targets are dropped. Unknown
// routes are not an error.
func (t *Table) Unregister(src, target string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("%w: src is required", route.ErrInvalidArgument)
	}
	s, err := route.ParseSource(src)
	if err != nil {
		return fmt.Errorf("src %q: %w", src, err)
	}
	var tg *route.Target
	if strings.TrimSpace(target) != "" {
		if tg, err = route.NewTarget(target, route.Options{}); err != nil {
			return fmt.Errorf("target %q: %w", target, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.byHost[s.Hostname]
	for i, r := range rs {
		if r.Path != s.Path {
			continue
		}
		if r.Remove(tg) > 0 {
			return nil
		}
		next := make([]*route.PathRoute, 0, len(rs)-1)
		next = append(next, rs[:i]...)
		next = append(next, rs[i+1:]...)
		if len(next) == 0 {
			delete(t.byHost, s.Hostname)
		} else {
			t.byHost[s.Hostname] = next
		}
		return nil
	}
	return nil
}

// Lookup returns the longest route of host whose path is a segment prefix of path.
func (t *Table) Lookup(host, path string) *route.PathRoute {
	h := route.NormalizeHost(host)
	t.mu.RLock()
	rs := t.byHost[h]
	t.mu.RUnlock()
	for _, r := range rs {
		if route.MatchPath(r.Path, path) {
			return r
		}
	}
	return nil
}

// Routes returns a snapshot of the table ordered by host, then by
// descending path length.
func (t *Table) Routes() []Entry {
	t.mu.RLock()
	hosts := make([]string, 0, len(t.byHost))
	for h := range t.byHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	var out []Entry
	for _, h := range hosts {
		for _, r := range t.byHost[h] {
			ts := r.Targets()
			e := Entry{Host: h, Path: r.Path, Targets: make([]string, len(ts))}
			for i, tg := range ts {
				e.Targets[i] = tg.String()
			}
			out = append(out, e)
		}
	}
	t.mu.RUnlock()
	return out
}

// Len is the number of (host, path) routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, rs := range t.byHost {
		n += len(rs)
	}
	return n
}
