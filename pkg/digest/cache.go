package digest

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of entries kept by NewCache when a
// non-positive size is given.
const DefaultCacheSize = 65536

type cacheKey struct {
	path  string
	size  int64
	mtime int64
}

// Cache remembers digests by (path, size, mtime). A file whose size or
// modification time changed misses the cache and gets rehashed, so
// results are the same as hashing every time.
type Cache struct {
	lru *lru.Cache[cacheKey, string]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) Get(path string, size int64, mtime time.Time) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(cacheKey{path, size, mtime.UnixNano()})
}

func (c *Cache) Put(path string, size int64, mtime time.Time, sum string) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey{path, size, mtime.UnixNano()}, sum)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
