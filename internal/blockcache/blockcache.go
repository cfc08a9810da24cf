// Package blockcache implements the Block Cache (spec §4.8): a bounded,
// thread-safe cache of (archive-id, entry-id, frame-index) -> decompressed
// plaintext frame, shared between the Reader's random-access path and the
// Database Storage Adapter.
//
// The teacher's internal/spinner keeps two separate
// github.com/dgryski/go-tinylfu tables: a content cache (blkCache, fixed
// 4096-byte blocks, so sizing it by item count is exactly sizing it by
// bytes) and an unrelated popularity tracker (wkrPopularity) used only to
// decide which open file handle to evict next. Engram's cached values are
// not fixed-size: a whole non-frame-encoded entry can be anywhere up to
// just under LargeFileThreshold, so sizing a single tinylfu table by item
// count cannot bound it by bytes the way spec §4.8 requires ("capacity is
// expressed in bytes, not entries"). This package keeps the teacher's
// split instead of its single content cache: actual storage and
// byte-exact LRU eviction are done directly (container/list, like any
// hand-rolled Go LRU), while a small fixed-size tinylfu table plays the
// same popularity-tracking role wkrPopularity does, gating admission so a
// single cold, just-seen-once key can't evict a demonstrably hot one.
package blockcache

import (
	"container/list"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-tinylfu"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cached frame. ArchiveID namespaces entries across
// concurrently open archives (see engram's use of xxhash to derive a
// stable id from the central directory); EntryID is typically the
// central-directory index of the entry; Frame is the frame index, or 0
// for entries cached whole (non-frame-encoded entries opened via
// open_random_access, spec §4.5).
type Key struct {
	ArchiveID uint64
	EntryID   uint64
	Frame     int64
}

var hashSeed = maphash.MakeSeed()

func hashKey(k Key) uint64 { return maphash.Comparable(hashSeed, k) }

// Loader produces the plaintext for a cache miss. It is called at most
// once concurrently per Key regardless of how many goroutines miss on it
// simultaneously.
type Loader func() ([]byte, error)

type node struct {
	key Key
	val []byte
}

// popularityTableSize bounds the popularity sketch only; it is unrelated
// to the byte capacity of the actual cached content below.
const popularityTableSize = 4096

// Cache is a bounded, byte-capacity least-recently-used cache keyed by
// Key, per spec §4.8.
type Cache struct {
	capacityBytes int64
	bytes         atomic.Int64

	mu    sync.Mutex
	items map[Key]*list.Element // -> *node, wrapped in *list.Element.Value
	order *list.List            // front = most recently used

	popularity *tinylfu.T[Key, struct{}]

	group  singleflight.Group
	logger *slog.Logger

	hits, misses, rejected atomic.Int64
}

// New creates a Cache bounded to capacityBytes. A nil logger defaults to
// slog.Default().
func New(capacityBytes int64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	c := &Cache{
		capacityBytes: capacityBytes,
		items:         make(map[Key]*list.Element),
		order:         list.New(),
		logger:        logger,
	}
	c.popularity = tinylfu.New[Key, struct{}](popularityTableSize, popularityTableSize*10, hashKey,
		tinylfu.OnEvict(func(Key, struct{}) {}))
	return c
}

// Get returns the cached plaintext for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	var v []byte
	if ok {
		c.order.MoveToFront(e)
		v = e.Value.(*node).val
	}
	c.mu.Unlock()

	if ok {
		c.popularity.Add(key, struct{}{})
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// GetOrLoad returns the cached plaintext for key, or calls load to
// produce it on a miss. Concurrent misses on the same key share a single
// call to load (golang.org/x/sync/singleflight), satisfying the spec's
// in-flight-deduplication requirement.
func (c *Cache) GetOrLoad(key Key, load Loader) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	sfKey := singleflightKey(key)
	v, err, _ := c.group.Do(sfKey, func() (any, error) {
		// Re-check: another goroutine may have populated the cache
		// between our Get miss above and acquiring the singleflight slot.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		plain, err := load()
		if err != nil {
			return nil, err
		}
		c.add(key, plain)
		c.logger.Debug("blockcache miss decompressed", "archive", key.ArchiveID, "entry", key.EntryID, "frame", key.Frame, "bytes", len(plain))
		return plain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// add inserts key/val, evicting true least-recently-used entries until the
// byte budget is satisfied. A candidate that has never earned a hit is
// refused admission if satisfying the budget would require evicting a
// victim that has: a cold one-off read must not flush out the frames
// everything else depends on.
func (c *Cache) add(key Key, val []byte) {
	newSize := int64(len(val))

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		n := e.Value.(*node)
		c.bytes.Add(newSize - int64(len(n.val)))
		n.val = val
		c.order.MoveToFront(e)
		return
	}

	// candidateWarm is true only if this key previously earned a hit (see
	// Get) before being evicted; a key that is merely being inserted for
	// the first time carries no popularity signal of its own.
	_, candidateWarm := c.popularity.Get(key)

	if newSize > c.capacityBytes {
		// Never cache a single item that can't possibly fit.
		return
	}

	for c.bytes.Load()+newSize > c.capacityBytes {
		victim := c.order.Back()
		if victim == nil {
			break
		}
		vn := victim.Value.(*node)
		if !candidateWarm {
			if _, victimWarm := c.popularity.Get(vn.key); victimWarm {
				c.rejected.Add(1)
				return
			}
		}
		c.order.Remove(victim)
		delete(c.items, vn.key)
		c.bytes.Add(-int64(len(vn.val)))
	}

	elem := c.order.PushFront(&node{key: key, val: val})
	c.items[key] = elem
	c.bytes.Add(newSize)
}

// Stats reports cumulative hit/miss counts and the current byte occupancy,
// for diagnostics.
func (c *Cache) Stats() (hits, misses, bytesUsed int64) {
	return c.hits.Load(), c.misses.Load(), c.bytes.Load()
}

func singleflightKey(k Key) string {
	// A fixed-width encoding is cheaper than fmt.Sprintf and never collides
	// across distinct (ArchiveID, EntryID, Frame) triples.
	var b [24]byte
	putUint64(b[0:8], k.ArchiveID)
	putUint64(b[8:16], k.EntryID)
	putUint64(b[16:24], uint64(k.Frame))
	return string(b[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
