package lb

import (
	"sync"
	"testing"

	"github.com/fabian4/dynamic-router/internal/route"
)

func mustTarget(t *testing.T, raw string) *route.Target {
	t.Helper()
	tg, err := route.NewTarget(raw, route.Options{})
	if err != nil {
		t.Fatalf("target %q: %v", raw, err)
	}
	return tg
}

func TestSelect_RoundRobin(t *testing.T) {
	a, b := mustTarget(t, "http://a"), mustTarget(t, "http://b")
	r := route.NewPathRoute("/", a, b)
	other := route.NewPathRoute("/", mustTarget(t, "http://c"), mustTarget(t, "http://d"))

	expected := []string{"a", "b", "a", "b", "a"}
	for i, want := range expected {
		// interleave with another route; must not disturb r's rotation
		_, _ = Select(other, "/")
		got, ok := Select(r, "/")
		if !ok || got.Target.Host() != want {
			t.Errorf("step %d: got %v, want %s", i, got.Target, want)
		}
	}
}

func TestSelect_Single(t *testing.T) {
	r := route.NewPathRoute("/", mustTarget(t, "http://a"))
	for i := 0; i < 10; i++ {
		if got, _ := Select(r, "/"); got.Target.Host() != "a" {
			t.Errorf("got %s, want a", got.Target.Host())
		}
	}
}

func TestSelect_Empty(t *testing.T) {
	if _, ok := Select(route.NewPathRoute("/x"), "/x"); ok {
		t.Fatal("want no selection for a route without targets")
	}
	if _, ok := Select(nil, "/"); ok {
		t.Fatal("want no selection for nil route")
	}
}

func TestSelect_ConcurrentFairness(t *testing.T) {
	r := route.NewPathRoute("/", mustTarget(t, "http://a"), mustTarget(t, "http://b"))
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _ := Select(r, "/")
			mu.Lock()
			counts[s.Target.Host()]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts["a"] != 50 || counts["b"] != 50 {
		t.Fatalf("uneven distribution: %v", counts)
	}
}

func TestRewritePath(t *testing.T) {
	cases := []struct {
		route, target, req, want string
	}{
		{"/", "", "/", "/"},
		{"/", "", "/foo/bar", "/foo/bar"},
		{"/api", "", "/api/foo", "/foo"},
		{"/api", "", "/api", "/"},
		{"/api", "/v2", "/api/foo", "/v2/foo"},
		{"/api", "/v2/", "/api/foo", "/v2/foo"},
		{"/api", "/v2", "/api", "/v2"},
		{"/", "/base", "/x", "/base/x"},
		{"/api/", "", "/api/foo", "/foo"},
	}
	for _, c := range cases {
		if got := RewritePath(c.route, c.target, c.req); got != c.want {
			t.Errorf("RewritePath(%q, %q, %q): got %q, want %q", c.route, c.target, c.req, got, c.want)
		}
	}
}
