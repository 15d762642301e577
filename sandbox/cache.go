package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

type cacheKey struct {
	hash  [sha256.Size]byte
	pages uint32
}

type cacheEntry struct {
	mod     *Module
	refs    int
	evicted bool
}

// moduleCache holds compiled modules by code hash and page ceiling. Entries
// are reference counted; an evicted module is closed once its last user
// releases it.
type moduleCache struct {
	logger  *zap.Logger
	metrics *Metrics

	mu  sync.Mutex
	lru *lru.Cache[cacheKey, *cacheEntry]
}

func newModuleCache(size int, logger *zap.Logger, metrics *Metrics) (*moduleCache, error) {
	c := &moduleCache{logger: logger, metrics: metrics}
	l, err := lru.NewWithEvict[cacheKey, *cacheEntry](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create module cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// onEvict runs with c.mu held.
func (c *moduleCache) onEvict(key cacheKey, e *cacheEntry) {
	e.evicted = true
	if e.refs == 0 {
		c.close(key, e)
	}
}

func (c *moduleCache) close(key cacheKey, e *cacheEntry) {
	if err := e.mod.Close(context.Background()); err != nil {
		c.logger.Warn("Failed to close evicted module",
			zap.String("hash", fmt.Sprintf("%x", key.hash[:8])),
			zap.Error(err))
	}
}

// acquire returns a cached module and its release function.
func (c *moduleCache) acquire(key cacheKey) (*Module, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	c.metrics.cacheLookup(ok)
	if !ok {
		return nil, nil, false
	}
	e.refs++
	return e.mod, c.releaser(key, e), true
}

// add stores mod unless another caller stored the same key first, in which
// case mod is closed and the stored module is returned. The result is
// acquired.
func (c *moduleCache) add(key cacheKey, mod *Module) (*Module, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(key); ok {
		_ = mod.Close(context.Background())
		e.refs++
		return e.mod, c.releaser(key, e)
	}
	e := &cacheEntry{mod: mod, refs: 1}
	c.lru.Add(key, e)
	c.metrics.setCached(c.lru.Len())
	return mod, c.releaser(key, e)
}

func (c *moduleCache) releaser(key cacheKey, e *cacheEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.refs--
			if e.refs == 0 && e.evicted {
				c.close(key, e)
			}
		})
	}
}

// purge evicts every entry.
func (c *moduleCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.metrics.setCached(0)
}

func (c *moduleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
