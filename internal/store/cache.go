package store

import (
	"time"

	"github.com/coocood/freecache"

	"dms-go/internal/dms"
)

// PayloadCache keeps verified payloads in a fixed-size freecache so a
// failed delivery can be retried without reading the relays again.
type PayloadCache struct {
	cache *freecache.Cache
	ttl   int
}

var _ dms.PayloadCache = (*PayloadCache)(nil)

// NewPayloadCache returns a cache of sizeBytes whose entries expire after
// ttl. A non-positive size disables caching.
func NewPayloadCache(sizeBytes int, ttl time.Duration) dms.PayloadCache {
	if sizeBytes <= 0 {
		return dms.NopCache{}
	}
	return &PayloadCache{
		cache: freecache.NewCache(sizeBytes),
		ttl:   max(int(ttl.Seconds()), 1),
	}
}

func (c *PayloadCache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set ignores entries too large for the cache; the next attempt reads the
// relays instead.
func (c *PayloadCache) Set(key string, value []byte) {
	_ = c.cache.Set([]byte(key), value, c.ttl)
}

func (c *PayloadCache) Del(key string) {
	c.cache.Del([]byte(key))
}
