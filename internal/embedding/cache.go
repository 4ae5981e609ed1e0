package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rcliao/agentdb/internal/errs"
	"github.com/rcliao/agentdb/internal/fsutil"
)

const (
	// DefaultCacheMaxSize is the entry limit when none is configured.
	DefaultCacheMaxSize = 10000

	// DefaultCacheTTL is the entry lifetime when none is configured.
	DefaultCacheTTL = 7 * 24 * time.Hour

	// DefaultCacheFlushEvery is the number of Set calls between automatic
	// persists when none is configured.
	DefaultCacheFlushEvery = 100
)

// Cache file layout (little endian). Current version:
//
//	"AMEC" | u32 0xFFFFFFFF | u32 version (2) | u32 count |
//	entries: u16 key len | key | i64 created ms | i64 accessed ms |
//	         u32 access count | u32 dim | float32 * dim
//
// Legacy version 1 files have no version marker:
//
//	"AMEC" | u32 count |
//	entries: u64 FNV-1a hash of key | u32 dim | float32 * dim | i64 created ms
var cacheMagic = [4]byte{'A', 'M', 'E', 'C'}

const (
	cacheVersionMarker = math.MaxUint32
	cacheVersion       = 2
	legacyKeyPrefix    = "#"
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Path is the cache file, or fsutil.MemoryPath for no persistence.
	Path       string
	Dimensions int

	// MaxSize bounds the entry count. When exceeded, least recently
	// accessed entries are evicted down to 90% of MaxSize.
	MaxSize int

	// TTL is measured from creation. Zero means DefaultCacheTTL; negative
	// disables expiry. Expired entries are hidden at once and dropped at the
	// next persist.
	TTL time.Duration

	// FlushEvery persists the cache after this many Set calls. Zero means
	// DefaultCacheFlushEvery; negative persists only on Flush, Delete, Clear
	// and Close.
	FlushEvery int

	Now    func() time.Time
	Logger *slog.Logger
}

// CacheEntry is one cached embedding.
type CacheEntry struct {
	Embedding   Vector
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount uint32
}

// Cache is a persistent embedding cache keyed by string. Legacy entries,
// which only carry a key hash, are matched by hashing the lookup key and are
// re-keyed on first hit.
type Cache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	log     *slog.Logger
	entries map[string]*CacheEntry
	dirty   bool
	closed  bool

	pending int // Set calls since the last persist
	writes  int // file writes, for tests
}

// OpenCache validates cfg and loads the cache file if present. Malformed
// data is logged and dropped; it never fails the open.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	if err := fsutil.ValidatePath("embedding.open_cache", cfg.Path); err != nil {
		return nil, err
	}
	if cfg.Dimensions <= 0 {
		return nil, errs.Validation("embedding.open_cache", "dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.MaxSize < 0 {
		return nil, errs.Validation("embedding.open_cache", "max size must not be negative, got %d", cfg.MaxSize)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultCacheMaxSize
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = DefaultCacheFlushEvery
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "embedding_cache", "path", cfg.Path),
		entries: make(map[string]*CacheEntry),
	}
	if fsutil.IsMemoryPath(cfg.Path) {
		return c, nil
	}

	data, err := os.ReadFile(cfg.Path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errs.IO("embedding.open_cache", err)
	}
	dropped, err := decodeCache(data, cfg.Dimensions, c.entries)
	if err != nil {
		c.log.Warn("ignoring unreadable cache file", "err", err)
		c.dirty = true
		return c, nil
	}
	if dropped > 0 {
		c.log.Warn("dropped malformed cache entries", "dropped", dropped, "loaded", len(c.entries))
		c.dirty = true
	}
	return c, nil
}

func legacyKey(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("%s%016x", legacyKeyPrefix, h.Sum64())
}

func (c *Cache) expired(e *CacheEntry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.CreatedAt) > c.cfg.TTL
}

// lookupLocked finds key, promoting a legacy entry to key on a hit.
func (c *Cache) lookupLocked(key string, now time.Time) *CacheEntry {
	e, ok := c.entries[key]
	if !ok {
		lk := legacyKey(key)
		if e, ok = c.entries[lk]; !ok {
			return nil
		}
		delete(c.entries, lk)
		c.entries[key] = e
		c.dirty = true
	}
	if c.expired(e, now) {
		return nil
	}
	return e
}

// Get returns a copy of the embedding for key. A hit updates the access
// time and count.
func (c *Cache) Get(key string) (Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	now := c.cfg.Now()
	e := c.lookupLocked(key, now)
	if e == nil {
		return nil, false
	}
	e.AccessedAt = now
	e.AccessCount++
	c.dirty = true
	return append(Vector(nil), e.Embedding...), true
}

// Has reports whether an unexpired entry exists for key.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.lookupLocked(key, c.cfg.Now()) != nil
}

// Set stores vec under key and evicts if over capacity. The file is
// rewritten every FlushEvery calls; Flush or Close persist the rest.
func (c *Cache) Set(key string, vec Vector) error {
	if key == "" {
		return errs.Validation("embedding.cache_set", "key is required")
	}
	if len(key) > math.MaxUint16 {
		return errs.Validation("embedding.cache_set", "key longer than %d bytes", math.MaxUint16)
	}
	if len(vec) != c.cfg.Dimensions {
		return errs.Validation("embedding.cache_set", "dimension mismatch: got %d, want %d", len(vec), c.cfg.Dimensions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.NotInitialized("embedding.cache_set")
	}

	now := c.cfg.Now()
	delete(c.entries, legacyKey(key))
	c.entries[key] = &CacheEntry{
		Embedding:  append(Vector(nil), vec...),
		CreatedAt:  now,
		AccessedAt: now,
	}
	c.dirty = true
	c.pending++
	if len(c.entries) > c.cfg.MaxSize {
		c.compactLocked(now)
	}
	if c.cfg.FlushEvery > 0 && c.pending >= c.cfg.FlushEvery {
		return c.persistLocked()
	}
	return nil
}

// dropExpiredLocked removes entries past their TTL.
func (c *Cache) dropExpiredLocked(now time.Time) {
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
		}
	}
}

// compactLocked drops expired entries and, when still over capacity, the
// least recently accessed ones down to 90% of MaxSize.
func (c *Cache) compactLocked(now time.Time) {
	c.dropExpiredLocked(now)
	if len(c.entries) <= c.cfg.MaxSize {
		return
	}

	target := max(c.cfg.MaxSize*9/10, 1)
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if !a.AccessedAt.Equal(b.AccessedAt) {
			return a.AccessedAt.Before(b.AccessedAt)
		}
		return keys[i] < keys[j]
	})
	evict := len(keys) - target
	for _, k := range keys[:evict] {
		delete(c.entries, k)
	}
	c.log.Debug("evicted cache entries", "evicted", evict, "remaining", len(c.entries))
}

// Delete removes key and reports whether it existed.
func (c *Cache) Delete(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, errs.NotInitialized("embedding.cache_delete")
	}
	found := false
	for _, k := range []string{key, legacyKey(key)} {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			found = true
		}
	}
	if !found {
		return false, nil
	}
	c.dirty = true
	return true, c.persistLocked()
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.NotInitialized("embedding.cache_clear")
	}
	c.entries = make(map[string]*CacheEntry)
	c.dirty = true
	return c.persistLocked()
}

// Len returns the number of stored entries, including expired entries not
// yet compacted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxSize returns the configured capacity.
func (c *Cache) MaxSize() int { return c.cfg.MaxSize }

// Flush persists pending writes and access-time updates.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.NotInitialized("embedding.cache_flush")
	}
	return c.persistLocked()
}

// Close flushes and closes the cache. Calling it again is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.persistLocked()
	c.closed = true
	c.entries = nil
	return err
}

func (c *Cache) persistLocked() error {
	if !c.dirty || fsutil.IsMemoryPath(c.cfg.Path) {
		c.dirty = false
		c.pending = 0
		return nil
	}
	c.dropExpiredLocked(c.cfg.Now())
	if err := fsutil.WriteFileAtomic(c.cfg.Path, encodeCache(c.entries), 0o644); err != nil {
		return errs.IO("embedding.cache_persist", err)
	}
	c.writes++
	c.dirty = false
	c.pending = 0
	return nil
}

func encodeCache(entries map[string]*CacheEntry) []byte {
	keys := make([]string, 0, len(entries))
	size := 16
	for k, e := range entries {
		keys = append(keys, k)
		size += 2 + len(k) + 24 + 4*len(e.Embedding)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, size)
	buf = append(buf, cacheMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, cacheVersionMarker)
	buf = binary.LittleEndian.AppendUint32(buf, cacheVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		e := entries[k]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAt.UnixMilli()))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.AccessedAt.UnixMilli()))
		buf = binary.LittleEndian.AppendUint32(buf, e.AccessCount)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Embedding)))
		for _, f := range e.Embedding {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	}
	return buf
}

var errShort = errors.New("unexpected end of data")

// cursor reads little-endian values and remembers the first short read.
type cursor struct {
	b   []byte
	off int
	err error
}

func (r *cursor) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = errShort
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *cursor) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (r *cursor) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (r *cursor) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (r *cursor) floats(n int) Vector {
	p := r.take(4 * n)
	if p == nil {
		return nil
	}
	v := make(Vector, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
	}
	return v
}

// decodeCache fills out from data and returns how many entries were dropped
// because they were truncated or had the wrong dimension.
func decodeCache(data []byte, dims int, out map[string]*CacheEntry) (int, error) {
	r := &cursor{b: data}
	if magic := r.take(4); magic == nil || [4]byte(magic) != cacheMagic {
		return 0, errors.New("missing cache header")
	}
	first := r.u32()
	if r.err != nil {
		return 0, r.err
	}
	if first != cacheVersionMarker {
		return decodeLegacy(r, int(first), dims, out), nil
	}
	if v := r.u32(); v != cacheVersion {
		return 0, fmt.Errorf("unsupported cache version %d", v)
	}
	count := int(r.u32())
	if r.err != nil {
		return 0, r.err
	}

	dropped := 0
	for i := 0; i < count; i++ {
		key := string(r.take(int(r.u16())))
		created := r.u64()
		accessed := r.u64()
		hits := r.u32()
		vec := r.floats(int(r.u32()))
		if r.err != nil {
			return dropped + count - i, nil
		}
		if len(vec) != dims || key == "" {
			dropped++
			continue
		}
		out[key] = &CacheEntry{
			Embedding:   vec,
			CreatedAt:   time.UnixMilli(int64(created)),
			AccessedAt:  time.UnixMilli(int64(accessed)),
			AccessCount: hits,
		}
	}
	return dropped, nil
}

func decodeLegacy(r *cursor, count, dims int, out map[string]*CacheEntry) int {
	dropped := 0
	for i := 0; i < count; i++ {
		hash := r.u64()
		vec := r.floats(int(r.u32()))
		ts := r.u64()
		if r.err != nil {
			return dropped + count - i
		}
		if len(vec) != dims {
			dropped++
			continue
		}
		created := time.UnixMilli(int64(ts))
		out[fmt.Sprintf("%s%016x", legacyKeyPrefix, hash)] = &CacheEntry{
			Embedding:  vec,
			CreatedAt:  created,
			AccessedAt: created,
		}
	}
	return dropped
}
