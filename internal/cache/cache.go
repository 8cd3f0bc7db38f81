// Package cache keeps each case's most recent successful portal check so
// manual re-checks inside the TTL reuse the staged result instead of driving
// the browser again.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/refundtrack/tax-engine/internal/database"
)

type Cache interface {
	Get(caseID uint) (*database.ExternalCheck, bool)
	Set(caseID uint, check *database.ExternalCheck)
	Delete(caseID uint)
	Clear()
	Stats() Stats
}

type Stats struct {
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Size       int       `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

type checkCache struct {
	cache   *cache.Cache
	mu      sync.Mutex
	stats   Stats
	maxSize int
}

func NewCache(maxSize int, ttl time.Duration) Cache {
	return &checkCache{
		cache:   cache.New(ttl, ttl*2),
		maxSize: maxSize,
	}
}

func key(caseID uint) string {
	return fmt.Sprintf("check:%d", caseID)
}

func (c *checkCache) Get(caseID uint) (*database.ExternalCheck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.LastAccess = time.Now()

	if data, found := c.cache.Get(key(caseID)); found {
		if check, ok := data.(*database.ExternalCheck); ok {
			c.stats.Hits++
			return check, true
		}
	}

	c.stats.Misses++
	return nil, false
}

func (c *checkCache) Set(caseID uint, check *database.ExternalCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache.ItemCount() >= c.maxSize {
		c.removeOldest()
	}
	c.cache.Set(key(caseID), check, cache.DefaultExpiration)
}

func (c *checkCache) Delete(caseID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Delete(key(caseID))
}

func (c *checkCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Flush()
	c.stats = Stats{}
}

func (c *checkCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Size = c.cache.ItemCount()
	return c.stats
}

func (c *checkCache) removeOldest() {
	items := c.cache.Items()
	if len(items) == 0 {
		return
	}

	var oldestKey string
	var oldestExpiration int64
	for k, item := range items {
		if oldestKey == "" || item.Expiration < oldestExpiration {
			oldestKey = k
			oldestExpiration = item.Expiration
		}
	}
	if oldestKey != "" {
		c.cache.Delete(oldestKey)
	}
}
