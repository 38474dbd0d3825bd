package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache[string, int](time.Minute, 0, WithClock[string, int](func() time.Time { return now }))

	mc.Set("a", 1, 0)
	mc.Set("b", 2, 10*time.Minute)

	v, ok := mc.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = mc.Get("a")
	assert.False(t, ok)
	_, ok = mc.Get("b")
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, mc.CleanupExpired())
	assert.Equal(t, 0, mc.Size())
}

func TestMemoryCacheEvictsOldestWhenFull(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := NewMemoryCache[string, int](time.Hour, 2, WithClock[string, int](func() time.Time { return now }))

	mc.Set("first", 1, 0)
	now = now.Add(time.Second)
	mc.Set("second", 2, 0)
	now = now.Add(time.Second)
	mc.Set("second", 22, 0)
	assert.Equal(t, 2, mc.Size())

	mc.Set("third", 3, 0)
	assert.Equal(t, 2, mc.Size())
	_, ok := mc.Get("first")
	assert.False(t, ok)
	v, ok := mc.Get("second")
	assert.True(t, ok)
	assert.Equal(t, 22, v)
}

func TestStartCleanupStopIsIdempotent(t *testing.T) {
	mc := NewMemoryCache[string, int](time.Minute, 0)
	stop := mc.StartCleanup(time.Millisecond)
	stop()
	stop()
}
