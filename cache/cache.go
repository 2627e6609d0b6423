// Package cache holds recently fetched, verified chunks in memory.
//
// Chunks shared between files of one run,
// or fetched concurrently by several workers,
// are downloaded once.
package cache

import (
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	updater "github.com/rednimgames/rose-updater"
)

// DefaultSize is the default number of chunks a Cache holds.
const DefaultSize = 256

// Cache is a least-recently-used cache of verified chunks keyed by hash.
// Concurrent requests for the same missing chunk share one fetch.
// A nil *Cache caches nothing and fetches every time.
type Cache struct {
	c     *lru.Cache // updater.Hash -> updater.Verified
	group singleflight.Group

	hits, misses counter
}

// New produces a Cache holding up to size chunks.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns the cached chunk with hash h, if present.
func (c *Cache) Get(h updater.Hash) (updater.Verified, bool) {
	if c == nil {
		return updater.Verified{}, false
	}
	got, ok := c.c.Get(h)
	if !ok {
		return updater.Verified{}, false
	}
	return got.(updater.Verified), true
}

// Add caches v.
func (c *Cache) Add(v updater.Verified) {
	if c == nil {
		return
	}
	c.c.Add(v.Hash, v)
}

// Fetch returns the chunk with hash h,
// calling fetch only if it is neither cached nor already being fetched.
// A successful result is cached; errors are not.
// The second return value tells whether the result came from the cache or another caller's fetch.
func (c *Cache) Fetch(h updater.Hash, fetch func() (updater.Verified, error)) (updater.Verified, bool, error) {
	if c == nil {
		v, err := fetch()
		return v, false, err
	}
	if v, ok := c.Get(h); ok {
		c.hits.inc()
		return v, true, nil
	}
	res, err, shared := c.group.Do(string(h[:]), func() (interface{}, error) {
		if v, ok := c.Get(h); ok {
			return v, nil
		}
		c.misses.inc()
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Add(v)
		return v, nil
	})
	if err != nil {
		return updater.Verified{}, false, err
	}
	return res.(updater.Verified), shared, nil
}

// Len is the number of cached chunks.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.c.Len()
}

// Stats reports how many Fetch calls were served from the cache
// and how many called their fetch function.
func (c *Cache) Stats() (hits, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.load(), c.misses.load()
}
