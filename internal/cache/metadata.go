package cache

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

// DefaultMetadataTTL applies when a mount does not configure one.
const DefaultMetadataTTL = 30 * time.Second

const (
	tierListing = "listing"
	tierEntry   = "entry"
)

// MetadataCache holds directory listings and single-entry metadata, both
// bounded by a TTL. Expired items are removed by the read that finds them;
// there is no background sweep.
type MetadataCache struct {
	// mu serializes mutations so a lazy removal never drops a fresher Put.
	mu       sync.Mutex
	listings *gocache.Cache
	entries  *gocache.Cache
	ttl      time.Duration

	// epoch advances on every Invalidate and Clear. invalidated holds the
	// epoch at which each listing was last dropped, so a listing fetched
	// before a change is never stored after it.
	epoch       uint64
	invalidated map[string]uint64
	clearedAt   uint64

	hits   atomic.Uint64
	misses atomic.Uint64

	logger  *zap.Logger
	metrics types.MetricsCollector
}

// NewMetadataCache creates a cache whose items live for ttl unless a Put
// overrides it.
func NewMetadataCache(ttl time.Duration, logger *zap.Logger, metrics types.MetricsCollector) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	return &MetadataCache{
		listings:    gocache.New(ttl, 0),
		entries:     gocache.New(ttl, 0),
		ttl:         ttl,
		invalidated: make(map[string]uint64),
		logger:      logger.Named("metadata-cache"),
		metrics:     metrics,
	}
}

func cacheKey(bucket, path string) string {
	return bucket + "\x00" + path
}

// GetListing returns the cached children of dir, which is "" for the root or
// a key ending in "/".
func (c *MetadataCache) GetListing(bucket, dir string) ([]types.Entry, bool) {
	v, ok := c.get(c.listings, tierListing, cacheKey(bucket, dir))
	if !ok {
		return nil, false
	}
	entries := v.([]types.Entry)
	out := make([]types.Entry, len(entries))
	copy(out, entries)
	return out, true
}

// PutListing stores the children of dir. A zero ttl uses the cache default.
func (c *MetadataCache) PutListing(bucket, dir string, entries []types.Entry, ttl time.Duration) {
	stored := make([]types.Entry, len(entries))
	copy(stored, entries)
	c.set(c.listings, cacheKey(bucket, dir), stored, ttl)
}

// GetEntry returns the cached metadata for one key.
func (c *MetadataCache) GetEntry(bucket, path string) (types.Entry, bool) {
	v, ok := c.get(c.entries, tierEntry, cacheKey(bucket, path))
	if !ok {
		return types.Entry{}, false
	}
	return v.(types.Entry), true
}

// PutEntry stores metadata for one key. A zero ttl uses the cache default.
func (c *MetadataCache) PutEntry(bucket, path string, entry types.Entry, ttl time.Duration) {
	c.set(c.entries, cacheKey(bucket, path), entry, ttl)
}

// Generation returns a token to pass to FillListing. Take it before issuing
// the listing request.
func (c *MetadataCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// FillListing stores a freshly fetched listing of dir: the listing itself,
// the entry for dir, and the entry of every file child. If any of them was
// invalidated after gen was taken nothing is stored and it reports false.
func (c *MetadataCache) FillListing(bucket, dir string, self types.Entry, entries []types.Entry, ttl time.Duration, gen uint64) bool {
	if ttl <= 0 {
		ttl = c.ttl
	}
	stored := make([]types.Entry, len(entries))
	copy(stored, entries)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Invalidating dir or any of its children drops the listing of dir, so
	// its mark covers every item written here.
	if c.clearedAt > gen || c.invalidated[cacheKey(bucket, dir)] > gen {
		return false
	}
	c.listings.Set(cacheKey(bucket, dir), stored, ttl)
	c.entries.Set(cacheKey(bucket, dir), self, ttl)
	for _, e := range stored {
		if !e.IsDir() {
			c.entries.Set(cacheKey(bucket, e.Path), e, ttl)
		}
	}
	return true
}

// Invalidate drops the entry at path, the listing of its parent, and the
// listing of path itself when path is a directory.
func (c *MetadataCache) Invalidate(bucket, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := cacheKey(bucket, utils.ParentKey(path))
	self := cacheKey(bucket, path)
	c.epoch++
	c.invalidated[parent] = c.epoch
	c.invalidated[self] = c.epoch

	c.entries.Delete(self)
	c.listings.Delete(parent)
	c.listings.Delete(self)

	c.logger.Debug("invalidated",
		zap.String("bucket", bucket),
		zap.String("path", path),
		zap.String("parent", utils.ParentKey(path)))
}

// Clear drops everything.
func (c *MetadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.clearedAt = c.epoch
	c.invalidated = make(map[string]uint64)
	c.listings.Flush()
	c.entries.Flush()
}

// Stats reports hit/miss counters. Items counts expired items that no read
// has removed yet.
func (c *MetadataCache) Stats() types.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := types.CacheStats{
		Hits:   hits,
		Misses: misses,
		Items:  c.listings.ItemCount() + c.entries.ItemCount(),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *MetadataCache) get(store *gocache.Cache, tier, key string) (interface{}, bool) {
	if v, found := store.Get(key); found {
		c.hits.Add(1)
		c.metrics.RecordCacheHit(tier, 0)
		return v, true
	}

	c.misses.Add(1)
	c.metrics.RecordCacheMiss(tier)

	c.mu.Lock()
	if _, found := store.Get(key); !found {
		store.Delete(key)
	}
	c.mu.Unlock()
	return nil, false
}

func (c *MetadataCache) set(store *gocache.Cache, key string, v interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	store.Set(key, v, ttl)
	c.mu.Unlock()
}
