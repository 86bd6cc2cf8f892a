package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	t.Parallel()

	c := NewLRU[string, int](4)
	c.Put("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestPutUpdatesExisting(t *testing.T) {
	t.Parallel()

	c := NewLRU[string, int](2)
	c.Put("a", 1)
	c.Put("a", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := NewLRU[int, int](2)
	c.Put(1, 1)
	c.Put(2, 2)

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Put(3, 3)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestNoExpiryWithoutEviction(t *testing.T) {
	t.Parallel()

	// Entries never go stale on their own; only capacity evicts.
	c := NewLRU[int, string](128)
	for i := 0; i < 100; i++ {
		c.Put(i, fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 100; i++ {
		v, ok := c.Get(i)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%d", i), v)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := NewLRU[string, int](2)
	c.Put("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("b")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
