package jsbridge

import (
	"sync"

	"github.com/hostbridge/jsbridge/internal/modcache"
)

// ModuleCacheProvider stores transformed module source keyed by a content
// hash, so repeated loads of identical source skip the transform step.
type ModuleCacheProvider interface {
	Get(key string) (string, bool)
	Set(key, code string) error
}

// MemoryCache is an in-process ModuleCacheProvider.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]string)}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.m[key]
	return code, ok
}

func (c *MemoryCache) Set(key, code string) error {
	c.mu.Lock()
	c.m[key] = code
	c.mu.Unlock()
	return nil
}

// SQLiteCache is a ModuleCacheProvider persisted to a SQLite database, so
// transform results survive process restarts.
type SQLiteCache struct {
	store *modcache.Store
}

// NewSQLiteCache opens (or creates) the cache database at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	store, err := modcache.Open(path)
	if err != nil {
		return nil, wrapError(KindRuntime, err, "opening module cache")
	}
	return &SQLiteCache{store: store}, nil
}

func (c *SQLiteCache) Get(key string) (string, bool) {
	code, ok, err := c.store.Get(key)
	if err != nil {
		return "", false
	}
	return code, ok
}

func (c *SQLiteCache) Set(key, code string) error {
	return c.store.Set(key, code)
}

// Close releases the underlying database.
func (c *SQLiteCache) Close() error {
	return c.store.Close()
}
