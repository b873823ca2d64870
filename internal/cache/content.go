package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

const tierContent = "content"

// ContentCache is a size-bounded store of whole-file bytes on local disk,
// evicted least-recently-used. Every index change and its backing file change
// happen under the same lock, so the index never lists a file that is gone.
type ContentCache struct {
	mu       sync.Mutex
	dir      string
	capacity int64
	size     int64
	items    map[string]*list.Element
	// evictList is ordered by last access, most recent at the front.
	evictList *list.List

	// epoch advances on every Remove and Clear. removed records the epoch at
	// which each id was last removed, so a fill that started earlier is refused.
	epoch     uint64
	removed   map[string]uint64
	clearedAt uint64

	stats types.CacheStats

	logger  *zap.Logger
	metrics types.MetricsCollector
}

type contentItem struct {
	id         string
	path       string
	size       int64
	lastAccess time.Time
}

// NewContentCache creates the cache under cacheRoot/content. Files left by an
// earlier process are removed, since the index does not survive restarts.
func NewContentCache(cacheRoot string, capacity int64, logger *zap.Logger, metrics types.MetricsCollector) (*ContentCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	dir, err := utils.SecureJoin(cacheRoot, "content")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid cache root").WithComponent("content-cache")
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, localIO("init", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, localIO("init", err)
	}
	return &ContentCache{
		dir:       dir,
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		removed:   make(map[string]uint64),
		stats:     types.CacheStats{Capacity: capacity},
		logger:    logger.Named("content-cache"),
		metrics:   metrics,
	}, nil
}

func localIO(op string, err error) *errors.Error {
	return errors.Wrap(errors.ErrCodeLocalIO, err, "content cache "+op+" failed").
		WithComponent("content-cache").
		WithOperation(op)
}

func contentID(bucket, key string) string {
	sum := sha256.Sum256([]byte(bucket + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Path returns the backing file location for (bucket, key), whether or not
// it is cached.
func (c *ContentCache) Path(bucket, key string) string {
	return filepath.Join(c.dir, contentID(bucket, key))
}

// Get returns the cached bytes of a whole file.
func (c *ContentCache) Get(bucket, key string) ([]byte, bool) {
	id := contentID(bucket, key)

	c.mu.Lock()
	elem, ok := c.items[id]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		c.metrics.RecordCacheMiss(tierContent)
		return nil, false
	}
	item := elem.Value.(*contentItem)
	item.lastAccess = time.Now()
	c.evictList.MoveToFront(elem)
	path := item.path
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("dropping unreadable entry", zap.String("key", key), zap.Error(err))
		c.mu.Lock()
		if cur, ok := c.items[id]; ok && cur == elem {
			c.removeElement(elem)
		}
		c.stats.Misses++
		c.mu.Unlock()
		c.metrics.RecordCacheMiss(tierContent)
		return nil, false
	}

	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	c.metrics.RecordCacheHit(tierContent, int64(len(data)))
	return data, true
}

// Generation returns a token to pass to Fill. Take it before fetching the
// bytes to be cached.
func (c *ContentCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Put stores the whole contents of a file, evicting least-recently-used
// entries until the cap holds. An item larger than the cap is not cached and
// any older copy of it is dropped.
func (c *ContentCache) Put(bucket, key string, data []byte) error {
	_, err := c.put(contentID(bucket, key), data, nil)
	return err
}

// Fill is Put for bytes fetched after gen was taken. If (bucket, key) was
// removed since then the bytes may predate the change, and Fill stores
// nothing and reports false.
func (c *ContentCache) Fill(bucket, key string, data []byte, gen uint64) (bool, error) {
	return c.put(contentID(bucket, key), data, &gen)
}

// stale must be called with mu held.
func (c *ContentCache) stale(id string, gen *uint64) bool {
	if gen == nil {
		return false
	}
	return c.clearedAt > *gen || c.removed[id] > *gen
}

func (c *ContentCache) put(id string, data []byte, gen *uint64) (bool, error) {
	size := int64(len(data))

	if size > c.capacity {
		c.mu.Lock()
		defer c.mu.Unlock()
		if elem, ok := c.items[id]; ok {
			c.removeElement(elem)
		}
		return false, nil
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return false, localIO("put", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, localIO("put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, localIO("put", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale(id, gen) {
		os.Remove(tmp.Name())
		return false, nil
	}
	final := filepath.Join(c.dir, id)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return false, localIO("put", err)
	}

	if elem, ok := c.items[id]; ok {
		item := elem.Value.(*contentItem)
		c.size += size - item.size
		item.size = size
		item.lastAccess = time.Now()
		c.evictList.MoveToFront(elem)
	} else {
		item := &contentItem{id: id, path: final, size: size, lastAccess: time.Now()}
		c.items[id] = c.evictList.PushFront(item)
		c.size += size
	}
	c.evictOverflow()
	return true, nil
}

// Remove drops the entry for (bucket, key) and deletes its file. Fills that
// started before the call are refused.
func (c *ContentCache) Remove(bucket, key string) error {
	id := contentID(bucket, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.removed[id] = c.epoch
	elem, ok := c.items[id]
	if !ok {
		return nil
	}
	return c.removeElement(elem)
}

// Contains reports whether (bucket, key) is indexed.
func (c *ContentCache) Contains(bucket, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[contentID(bucket, key)]
	return ok
}

// Clear drops every entry and its file.
func (c *ContentCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.clearedAt = c.epoch
	c.removed = make(map[string]uint64)

	var firstErr error
	for c.evictList.Len() > 0 {
		if err := c.removeElement(c.evictList.Back()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of the cache counters.
func (c *ContentCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = len(c.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.capacity > 0 {
		stats.Utilization = float64(c.size) / float64(c.capacity)
	}
	return stats
}

// evictOverflow must be called with mu held.
func (c *ContentCache) evictOverflow() {
	for c.size > c.capacity && c.evictList.Len() > 0 {
		elem := c.evictList.Back()
		item := elem.Value.(*contentItem)
		if err := c.removeElement(elem); err != nil {
			c.logger.Warn("evicted entry left a file behind", zap.String("path", item.path), zap.Error(err))
		}
		c.stats.Evictions++
	}
}

// removeElement drops elem from the index and deletes its file. It must be
// called with mu held.
func (c *ContentCache) removeElement(elem *list.Element) error {
	item := elem.Value.(*contentItem)
	c.evictList.Remove(elem)
	delete(c.items, item.id)
	c.size -= item.size

	if err := os.Remove(item.path); err != nil && !os.IsNotExist(err) {
		return localIO("remove", err)
	}
	return nil
}
