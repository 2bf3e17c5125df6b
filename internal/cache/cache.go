// Package cache is the hub's bounded in-memory cache: JSON-serialized
// values with optional lz4 compression, LRU/LFU/TTL eviction, glob pattern
// queries, a periodic expiry sweeper and an optional preloader.
package cache

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
)

// Eviction policies.
const (
	PolicyLRU = "lru"
	PolicyLFU = "lfu"
	PolicyTTL = "ttl"
)

// compressionThreshold is the serialized size above which values are
// compressed when compression is enabled.
const compressionThreshold = 1024

// evictionHeadroom is the fraction of capacity eviction frees down to.
const evictionHeadroom = 0.8

// Config carries the cache tunables.
type Config struct {
	MaxBytes      int64
	DefaultTTL    time.Duration
	Policy        string
	Compression   bool
	SweepInterval time.Duration
}

type entry struct {
	key          string
	data         []byte // serialized, possibly compressed
	originalSize int    // pre-compression length, needed to decompress
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	expiresAt    time.Time // zero = no expiry
	compressed   bool
}

func (e *entry) size() int64 { return int64(len(e.data)) }

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is the bounded store. The sum of entry sizes never exceeds
// MaxBytes; Set evicts before inserting.
type Cache struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds the cache. Call Start to begin the expiry sweeper.
func New(cfg Config, logger zerolog.Logger, metrics *monitoring.Metrics) *Cache {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLRU
	}
	return &Cache{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (c *Cache) Start() {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.sweepLoop()
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) error {
	return c.SetTTL(key, value, c.cfg.DefaultTTL)
}

// SetTTL stores value under key. ttl <= 0 means no expiry. The value is
// serialized for sizing; serialized forms above 1 KiB are lz4-compressed
// when compression is enabled.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serializing cache value: %w", err)
	}

	e := &entry{
		key:          key,
		data:         data,
		originalSize: len(data),
	}
	if c.cfg.Compression && len(data) > compressionThreshold {
		if compressed, ok := compress(data); ok {
			e.data = compressed
			e.compressed = true
		}
	}
	if e.size() > c.cfg.MaxBytes {
		return fmt.Errorf("cache value for %q (%d bytes) exceeds capacity %d", key, e.size(), c.cfg.MaxBytes)
	}

	now := c.now()
	e.createdAt = now
	e.lastAccessed = now
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.size()
		delete(c.entries, key)
	}
	c.ensureCapacityLocked(e.size())
	c.entries[key] = e
	c.bytes += e.size()
	c.updateGaugeLocked()
	return nil
}

// Get loads the value for key into out. A miss (absent or expired) returns
// false.
func (c *Cache) Get(key string, out any) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		c.removeLocked(e)
		ok = false
	}
	var data []byte
	var compressed bool
	var origSize int
	if ok {
		e.lastAccessed = c.now()
		e.accessCount++
		data, compressed, origSize = e.data, e.compressed, e.originalSize
	}
	c.mu.Unlock()

	if !ok {
		if c.metrics != nil {
			c.metrics.Cache.Misses.Inc()
		}
		return false
	}
	if c.metrics != nil {
		c.metrics.Cache.Hits.Inc()
	}

	if compressed {
		buf := make([]byte, origSize)
		n, err := lz4.UncompressBlock(data, buf)
		if err != nil {
			c.log.Error().Str("key", key).Err(err).Msg("Cache decompression failed, dropping entry")
			c.Delete(key)
			return false
		}
		data = buf[:n]
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Error().Str("key", key).Err(err).Msg("Cache deserialization failed, dropping entry")
		c.Delete(key)
		return false
	}
	return true
}

// Has reports whether key is present and unexpired.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		c.removeLocked(e)
		return false
	}
	return ok
}

// Delete removes key. Returns whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	c.updateGaugeLocked()
	return true
}

// GetMulti loads several raw entries at once; absent keys are omitted.
func (c *Cache) GetMulti(keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var raw json.RawMessage
		if c.Get(key, &raw) {
			out[key] = raw
		}
	}
	return out
}

// SetMulti stores several values with the default TTL, stopping at the
// first failure.
func (c *Cache) SetMulti(values map[string]any) error {
	for key, value := range values {
		if err := c.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the unexpired keys matching the glob pattern ("*" wildcard).
func (c *Cache) Keys(pattern string) []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for key, e := range c.entries {
		if e.expired(now) {
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// DeletePattern removes every key matching the glob pattern.
func (c *Cache) DeletePattern(pattern string) int {
	removed := 0
	for _, key := range c.Keys(pattern) {
		if c.Delete(key) {
			removed++
		}
	}
	return removed
}

// Bytes reports the current total entry size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len reports the entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ensureCapacityLocked evicts entries per the configured policy until the
// required bytes fit with 80% headroom.
func (c *Cache) ensureCapacityLocked(required int64) {
	target := int64(float64(c.cfg.MaxBytes)*evictionHeadroom) - required
	if target < 0 {
		target = 0
	}
	if c.bytes+required <= c.cfg.MaxBytes {
		return
	}
	for c.bytes > target && len(c.entries) > 0 {
		victim := c.pickVictimLocked()
		if victim == nil {
			return
		}
		c.removeLocked(victim)
		if c.metrics != nil {
			c.metrics.Cache.Evictions.Inc()
		}
	}
}

func (c *Cache) pickVictimLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if victim == nil {
			victim = e
			continue
		}
		switch c.cfg.Policy {
		case PolicyLFU:
			if e.accessCount < victim.accessCount {
				victim = e
			}
		case PolicyTTL:
			if earlierExpiry(e, victim) {
				victim = e
			}
		default: // lru
			if e.lastAccessed.Before(victim.lastAccessed) {
				victim = e
			}
		}
	}
	return victim
}

// earlierExpiry orders entries by expiry, treating "never" as latest.
func earlierExpiry(a, b *entry) bool {
	if a.expiresAt.IsZero() {
		return false
	}
	if b.expiresAt.IsZero() {
		return true
	}
	return a.expiresAt.Before(b.expiresAt)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.bytes -= e.size()
}

func (c *Cache) updateGaugeLocked() {
	if c.metrics != nil {
		c.metrics.Cache.Bytes.Set(float64(c.bytes))
	}
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	defer logging.RecoverPanic(c.log, "cache sweepLoop")

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Sweep purges expired entries.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.updateGaugeLocked()
		c.log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
	}
	return removed
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}

func compress(data []byte) ([]byte, bool) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, buf)
	if err != nil || n == 0 || n >= len(data) {
		// Incompressible data stays raw.
		return nil, false
	}
	return buf[:n], true
}
