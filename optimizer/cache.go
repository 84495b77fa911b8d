// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package optimizer

import (
	"bytes"
	"compress/gzip"
	"io"
	"sort"
	"sync"
	"time"

	"memwatch/logger"
)

const (
	janitorCadence       = time.Minute
	compressionThreshold = 4 * 1024
	evictionShare        = 4 // evict bottom 1/4 when full
)

// CacheOptions tunes a single Put
type CacheOptions struct {
	TTL      time.Duration
	Priority int
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Entries    int    `json:"entries"`
	MaxEntries int    `json:"maxEntries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Compressed int    `json:"compressed"`
}

type cacheEntry struct {
	value       interface{}
	ttl         time.Duration
	priority    int
	accessCount uint64
	createdAt   time.Time
	compressed  bool
	fromString  bool
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is the optimizer-owned in-memory cache with TTL expiry and
// priority-aware eviction. Large byte/string values are gzip-compressed
// transparently.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	defaultTTL time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	janitor *time.Ticker
	stop    chan struct{}
}

// NewCache creates a cache bounded at maxEntries
func NewCache(maxEntries int, defaultTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// Put stores a value, evicting the bottom quarter when full
func (c *Cache) Put(key string, value interface{}, opts CacheOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	compressed := false
	stored := value
	raw, fromString, ok := asBytes(value)
	if ok && len(raw) >= compressionThreshold {
		if packed, err := gzipBytes(raw); err == nil {
			stored = packed
			compressed = true
		} else {
			logger.Debug("cache compression failed for %s: %v", key, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[key] = &cacheEntry{
		value:      stored,
		ttl:        ttl,
		priority:   opts.Priority,
		createdAt:  time.Now(),
		compressed: compressed,
		fromString: compressed && fromString,
	}
}

// Get returns the stored value, or nil on miss or TTL expiry
func (c *Cache) Get(key string) interface{} {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		c.mu.Unlock()
		return nil
	}
	entry.accessCount++
	c.hits++
	value := entry.value
	compressed := entry.compressed
	fromString := entry.fromString
	c.mu.Unlock()

	if compressed {
		raw, err := gunzipBytes(value.([]byte))
		if err != nil {
			logger.Warn("cache decompression failed for %s: %v", key, err)
			return nil
		}
		if fromString {
			return string(raw)
		}
		return raw
	}
	return value
}

// Delete removes a key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// evictLocked removes the bottom quarter ranked by priority asc, access
// count asc, age desc. Caller holds c.mu.
func (c *Cache) evictLocked() {
	type ranked struct {
		key   string
		entry *cacheEntry
	}
	all := make([]ranked, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, ranked{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].entry, all[j].entry
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.createdAt.Before(b.createdAt)
	})

	count := len(all) / evictionShare
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		delete(c.entries, all[i].key)
		c.evictions++
	}
}

// StartJanitor launches periodic expired-entry cleanup
func (c *Cache) StartJanitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.janitor != nil {
		return
	}
	c.janitor = time.NewTicker(janitorCadence)
	c.stop = make(chan struct{})

	go func() {
		for {
			select {
			case <-c.stop:
				return
			case <-c.janitor.C:
				c.removeExpired()
			}
		}
	}()
}

// StopJanitor halts cleanup
func (c *Cache) StopJanitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.janitor == nil {
		return
	}
	c.janitor.Stop()
	close(c.stop)
	c.janitor = nil
}

func (c *Cache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// GetStats returns cache statistics
func (c *Cache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed := 0
	for _, e := range c.entries {
		if e.compressed {
			compressed++
		}
	}
	return CacheStats{
		Entries:    len(c.entries),
		MaxEntries: c.maxEntries,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Compressed: compressed,
	}
}

// asBytes exposes the raw bytes of compressible values; fromString marks
// values that must come back out of Get as string
func asBytes(v interface{}) (raw []byte, fromString, ok bool) {
	switch x := v.(type) {
	case []byte:
		return x, false, true
	case string:
		return []byte(x), true, true
	default:
		return nil, false, false
	}
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
