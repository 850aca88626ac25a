package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"redish/internal/cache"
)

func TestGetSetHitMiss(t *testing.T) {
	c := cache.New[string, string](10, 0, nil)

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", "1")
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	hits, misses := c.Stats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestEntryBoundEvictsOldest(t *testing.T) {
	c := cache.New[string, int](2, 0, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestByteBoundEvicts(t *testing.T) {
	sizeFn := func(v string) int { return len(v) }
	c := cache.New[string, string](0, 10, sizeFn)

	c.Set("a", "12345")
	c.Set("b", "12345")
	c.Set("c", "12345")

	require.LessOrEqual(t, c.Len(), 2)
}

func TestDelete(t *testing.T) {
	c := cache.New[string, int](10, 0, nil)
	c.Set("a", 1)
	c.Delete("a")

	_, ok := c.Get("a")
	require.False(t, ok)
}
