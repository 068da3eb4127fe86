package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSet(t *testing.T) {
	c := NewTTLCache[string](10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
	assert.Equal(t, 1, c.Size())

	c.Set("k", "v2")
	got, _ = c.Get("k")
	assert.Equal(t, "v2", got)
	assert.Equal(t, 1, c.Size())
}

func TestCacheExpiry(t *testing.T) {
	c := NewTTLCache[[]byte](10, 30*time.Millisecond)
	c.Set("dek", []byte{1, 2, 3})

	got, ok := c.Get("dek")
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("dek")
	assert.False(t, ok)
	// Expired entries are dropped on read.
	assert.Equal(t, 0, c.Size())
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewTTLCache[int](2, time.Minute)
	c.Set("a", 1)
	time.Sleep(2 * time.Millisecond)
	c.Set("b", 2)
	time.Sleep(2 * time.Millisecond)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheSetRefreshesInsertionOrder(t *testing.T) {
	c := NewTTLCache[int](2, time.Minute)
	c.Set("a", 1)
	time.Sleep(2 * time.Millisecond)
	c.Set("b", 2)
	time.Sleep(2 * time.Millisecond)
	c.Set("a", 10)
	time.Sleep(2 * time.Millisecond)
	c.Set("c", 3)

	// "b" became the oldest once "a" was rewritten.
	_, ok := c.Get("b")
	assert.False(t, ok)
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, got)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.InvalidateAll()
	assert.Equal(t, 0, c.Size())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestCacheDegenerateConfig(t *testing.T) {
	c := NewTTLCache[int](0, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	// maxSize is clamped to 1, so only the latest entry survives.
	assert.Equal(t, 1, c.Size())
	got, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, got)
}
