// Package cache keeps recently inserted log entries in memory so that the leader can build AppendEntries batches
// without going back to storage for followers that are close to the head of the log.
package cache

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"

	"replog/internal/replog"
	"replog/internal/replog/wire"
)

// fastcache silently drops items where key+value exceed 64KB
const maxItemSize = 64*1024 - 16

// EntryCache is a bounded, thread-safe cache of log entries keyed by index. Old entries are evicted when the cache is
// full. It must only hold entries that can no longer change, which holds for everything a leader has appended in its
// own term.
type EntryCache struct {
	c *fastcache.Cache
}

// Stats is a snapshot of the cache counters
type Stats struct {
	Entries uint64
	Bytes   uint64
	Gets    uint64
	Misses  uint64
}

// New creates a cache holding up to maxBytes of encoded entries. fastcache rounds this up to its minimum size.
func New(maxBytes int) *EntryCache {
	return &EntryCache{c: fastcache.New(maxBytes)}
}

func key(index replog.LogIndex) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(index))
	return k[:]
}

// Put stores the given entries. Entries too large for the cache are skipped.
func (c *EntryCache) Put(entries ...replog.LogEntry) {
	for _, e := range entries {
		value := wire.MarshalEntry(e)
		if len(value) > maxItemSize {
			continue
		}
		c.c.Set(key(e.Index), value)
	}
}

// Get returns the entry at index if it is cached
func (c *EntryCache) Get(index replog.LogIndex) (replog.LogEntry, bool) {
	value, ok := c.c.HasGet(nil, key(index))
	if !ok {
		return replog.LogEntry{}, false
	}

	e, err := wire.UnmarshalEntry(value)
	if err != nil || e.Index != index {
		// Never serve a corrupted entry; storage has the authoritative copy
		c.c.Del(key(index))
		return replog.LogEntry{}, false
	}
	return e, true
}

// GetRange returns the entries from fromIndex to toIndex (inclusive). It only succeeds if every entry of the range is
// cached.
func (c *EntryCache) GetRange(fromIndex, toIndex replog.LogIndex) ([]replog.LogEntry, bool) {
	if fromIndex == 0 || toIndex < fromIndex {
		return nil, false
	}

	result := make([]replog.LogEntry, 0, toIndex-fromIndex+1)
	for i := fromIndex; i <= toIndex; i++ {
		e, ok := c.Get(i)
		if !ok {
			return nil, false
		}
		result = append(result, e)
	}
	return result, true
}

// Reset drops all cached entries
func (c *EntryCache) Reset() {
	c.c.Reset()
}

// Stats returns the current cache counters
func (c *EntryCache) Stats() Stats {
	var s fastcache.Stats
	c.c.UpdateStats(&s)
	return Stats{
		Entries: s.EntriesCount,
		Bytes:   s.BytesSize,
		Gets:    s.GetCalls,
		Misses:  s.Misses,
	}
}
