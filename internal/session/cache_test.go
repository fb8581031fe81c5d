package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationCacheRoundTrip(t *testing.T) {
	c := NewValidationCache(validationTTL)

	_, ok := c.Get("srv-1", "tok")
	assert.False(t, ok)

	c.Put("srv-1", "tok", true)
	verdict, ok := c.Get("srv-1", "tok")
	require.True(t, ok)
	assert.True(t, verdict)

	_, ok = c.Get("srv-1", "other-token")
	assert.False(t, ok, "distinct tokens must not collide")
	_, ok = c.Get("srv-2", "tok")
	assert.False(t, ok, "distinct servers must not collide")
}

func TestValidationCacheExpiry(t *testing.T) {
	c := NewValidationCache(10 * time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Put("srv-1", "tok", true)
	_, ok := c.Get("srv-1", "tok")
	require.True(t, ok)

	clock = clock.Add(10*time.Minute + time.Second)
	_, ok = c.Get("srv-1", "tok")
	assert.False(t, ok, "entries past the TTL are gone")
	assert.Zero(t, c.Len(), "expired read removes the entry")
}

func TestValidationCacheSweep(t *testing.T) {
	c := NewValidationCache(10 * time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Put("srv-1", "a", true)
	c.Put("srv-2", "b", true)
	clock = clock.Add(9 * time.Minute)
	c.Put("srv-3", "c", true)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("srv-3", "c")
	assert.True(t, ok, "the fresh entry survives the sweep")
}

func TestCacheKeyStable(t *testing.T) {
	assert.Equal(t, cacheKey("s", "t"), cacheKey("s", "t"))
	assert.NotEqual(t, cacheKey("s", "t"), cacheKey("st", ""))
}
