package session

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	validationTTL = 10 * time.Minute
	sweepInterval = time.Minute
)

type cacheEntry struct {
	validated  bool
	insertedAt time.Time
}

// ValidationCache remembers panel token verdicts so repeated connections
// from the same client skip the upstream round trip. Entries expire after
// the TTL; Sweep drops expired entries in bulk.
type ValidationCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewValidationCache creates a cache with the given TTL.
func NewValidationCache(ttl time.Duration) *ValidationCache {
	return &ValidationCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// cacheKey hashes the credential pair so tokens never sit in memory in
// clear text longer than the validation call itself.
func cacheKey(serverID, token string) string {
	h := sha256.Sum256([]byte(serverID + "\x1f" + token))
	return hex.EncodeToString(h[:])
}

// Get returns the cached verdict and whether a live entry exists. Expired
// entries are removed on the spot.
func (c *ValidationCache) Get(serverID, token string) (bool, bool) {
	key := cacheKey(serverID, token)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if c.now().Sub(entry.insertedAt) > c.ttl {
		delete(c.entries, key)
		return false, false
	}
	return entry.validated, true
}

// Put records a verdict for the credential pair.
func (c *ValidationCache) Put(serverID, token string, validated bool) {
	key := cacheKey(serverID, token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{validated: validated, insertedAt: c.now()}
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *ValidationCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	dropped := 0
	for key, entry := range c.entries {
		if now.Sub(entry.insertedAt) > c.ttl {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of live entries, counting expired ones that have
// not been swept yet.
func (c *ValidationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
