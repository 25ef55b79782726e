package route

import "sync"

// PathRoute is one path prefix of one host, holding its targets and the
// round-robin cursor. The cursor is always < len(targets) while targets is non-empty.
type PathRoute struct {
	Path string

	mu      sync.Mutex
	targets []*Target
	next    int
}

// NewPathRoute returns a route for path with the given targets.
func NewPathRoute(path string, targets ...*Target) *PathRoute {
	r := &PathRoute{Path: path}
	r.targets = append(r.targets, targets...)
	return r
}

// Next returns the target at the cursor and advances it modulo the target count.
// It returns nil when the route has no targets.
func (r *PathRoute) Next() *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.targets)
	if n == 0 {
		return nil
	}
	if r.next >= n {
		r.next = 0
	}
	t := r.targets[r.next]
	r.next = (r.next + 1) % n
	return t
}

// Targets returns a copy of the current target list.
func (r *PathRoute) Targets() []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Target, len(r.targets))
	copy(out, r.targets)
	return out
}

func (r *PathRoute) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// Add appends t to the target list.
func (r *PathRoute) Add(t *Target) {
	r.mu.Lock()
	r.targets = append(r.targets, t)
	r.mu.Unlock()
}

// Remove drops every target with the same Key as t, or all targets when t is nil.
// It returns how many targets remain.
func (r *PathRoute) Remove(t *Target) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == nil {
		r.targets = nil
		r.next = 0
		return 0
	}
	want := t.Key()
	kept := make([]*Target, 0, len(r.targets))
	for _, cur := range r.targets {
		if cur.Key() != want {
			kept = append(kept, cur)
		}
	}
	r.targets = kept
	if r.next >= len(kept) {
		r.next = 0
	}
	return len(kept)
}
