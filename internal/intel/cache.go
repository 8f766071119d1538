package intel

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/aegis/internal/models"
)

// Cache stores findings keyed by (provider, ioc). A hit spares the external
// call and preserves the cached finding's IsMocked flag. Implementations are
// interchangeable; both shipped variants are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, provider, ioc string) (models.Finding, bool)
	Set(ctx context.Context, provider, ioc string, f models.Finding, ttl time.Duration)
}

type cacheEntry struct {
	key       string
	finding   models.Finding
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	nowFn    func() time.Time
}

// NewMemoryCache creates a cache bounded at capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		nowFn:    time.Now,
	}
}

func cacheKey(provider, ioc string) string {
	return provider + "|" + ioc
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, provider, ioc string) (models.Finding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[cacheKey(provider, ioc)]
	if !ok {
		return models.Finding{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.nowFn().After(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, entry.key)
		return models.Finding{}, false
	}
	c.lru.MoveToFront(elem)
	return entry.finding, true
}

// Set implements Cache. Single-writer-per-key atomicity comes from the cache
// mutex: the last write for a key wins as one unit.
func (c *MemoryCache) Set(_ context.Context, provider, ioc string, f models.Finding, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	key := cacheKey(provider, ioc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.finding = f
		entry.expiresAt = c.nowFn().Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}
	elem := c.lru.PushFront(&cacheEntry{key: key, finding: f, expiresAt: c.nowFn().Add(ttl)})
	c.entries[key] = elem
	if c.lru.Len() > c.capacity {
		back := c.lru.Back()
		c.lru.Remove(back)
		delete(c.entries, back.Value.(*cacheEntry).key)
	}
}

// RedisCache stores findings in an external redis so multiple agents share
// one TI budget. Keys carry redis-native TTLs; capacity is redis's concern.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the redis at url.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, provider, ioc string) (models.Finding, bool) {
	data, err := c.client.Get(ctx, "aegis:ti:"+cacheKey(provider, ioc)).Bytes()
	if err != nil {
		return models.Finding{}, false
	}
	var f models.Finding
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Finding{}, false
	}
	return f, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, provider, ioc string, f models.Finding, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.client.Set(ctx, "aegis:ti:"+cacheKey(provider, ioc), data, ttl)
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
