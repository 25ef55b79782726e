package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/dynamic-router/internal/route"
)

func TestBuild_StringTargetIsReused(t *testing.T) {
	c := New(0)
	r1, resolved, err := c.Build(route.StringTarget("localhost:9000"))
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, "/", r1.Path)

	r2, _, err := c.Build(route.StringTarget("localhost:9000"))
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestBuild_RotationContinuesAcrossCalls(t *testing.T) {
	c := New(10)
	d := route.StructuredDescriptor{URLs: []string{"a:1", "b:1"}}

	var got []string
	for i := 0; i < 4; i++ {
		r, _, err := c.Build(d)
		require.NoError(t, err)
		got = append(got, r.Next().Host())
	}
	assert.Equal(t, []string{"a:1", "b:1", "a:1", "b:1"}, got)
}

func TestBuild_StructuredPointerSharesKey(t *testing.T) {
	c := New(10)
	d := route.StructuredDescriptor{URLs: []string{"a:1"}, Path: "/x", UseTargetHostHeader: true}
	r1, _, err := c.Build(d)
	require.NoError(t, err)
	r2, _, err := c.Build(&d)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, "/x", r1.Path)
	assert.True(t, r1.Targets()[0].UseTargetHostHeader())
}

func TestBuild_NativeRouteBypassesCache(t *testing.T) {
	c := New(10)
	native := route.NewPathRoute("/n")
	r, resolved, err := c.Build(native)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Same(t, native, r)
	assert.Zero(t, c.Len())
}

func TestBuild_InvalidIsNotCached(t *testing.T) {
	c := New(10)
	_, _, err := c.Build(route.StringTarget("not a uri"))
	assert.ErrorIs(t, err, route.ErrInvalidURI)
	_, _, err = c.Build(route.StructuredDescriptor{})
	assert.ErrorIs(t, err, route.ErrInvalidArgument)
	_, _, err = c.Build(route.StructuredDescriptor{URLs: []string{"a:1"}, Path: "x"})
	assert.ErrorIs(t, err, route.ErrInvalidURI)
	assert.Zero(t, c.Len())
}

func TestKey_DistinguishesFields(t *testing.T) {
	base := route.StructuredDescriptor{URLs: []string{"a", "b"}, Path: "/"}
	assert.Equal(t, Key(base), Key(route.StructuredDescriptor{URLs: []string{"a", "b"}}))
	assert.NotEqual(t, Key(base), Key(route.StructuredDescriptor{URLs: []string{"b", "a"}}))
	assert.NotEqual(t, Key(base), Key(route.StructuredDescriptor{URLs: []string{"a", "b"}, UseTargetHostHeader: true}))
	assert.NotEqual(t, Key(base), Key(route.StructuredDescriptor{URLs: []string{"a", "b"}, Path: "/x"}))
}

func TestEvictionAndPurge(t *testing.T) {
	c := New(1)
	r1, _, _ := c.Build(route.StringTarget("a:1"))
	_, _, _ = c.Build(route.StringTarget("b:1"))
	assert.Equal(t, 1, c.Len())

	r3, _, _ := c.Build(route.StringTarget("a:1"))
	assert.NotSame(t, r1, r3, "evicted descriptor is rebuilt")

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestOnLookup(t *testing.T) {
	c := New(10)
	var hits, misses int
	c.OnLookup(func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	})
	_, _, _ = c.Build(route.StringTarget("a:1"))
	_, _, _ = c.Build(route.StringTarget("a:1"))
	_, _, _ = c.Build(route.NewPathRoute("/"))
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}
