// Package cache provides the in-memory policy cache for stsmap: a bounded
// LRU keyed by domain with single-flight coalescing of concurrent lookups.
package cache

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/semihalev/stsmap/policy"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached policy. Entries stay cached until evicted, freshness
// is judged by the caller via Expired. A stale entry still serves as the
// conditional-fetch witness through its PolicyID.
type Entry struct {
	Time     time.Time
	PolicyID string
	Policy   *policy.Policy
}

// Expired reports whether the entry is past its max_age at the given time.
func (e Entry) Expired(now time.Time) bool {
	return e.Time.Add(time.Duration(e.Policy.MaxAge) * time.Second).Before(now)
}

const shardCount = 32

// Cache is a sharded LRU policy cache. Shards are selected by domain hash,
// each shard evicts its own least recently used entry at capacity.
type Cache struct {
	shards [shardCount]*shard
	group  singleflight.Group
}

// New returns a cache holding up to size entries in total. A size below the
// shard count is raised to one entry per shard.
func New(size int) *Cache {
	if size < shardCount {
		size = shardCount
	}

	c := new(Cache)
	for i := range c.shards {
		c.shards[i] = newShard(size / shardCount)
	}

	return c
}

func (c *Cache) shard(domain string) *shard {
	return c.shards[xxhash.Sum64String(domain)%shardCount]
}

// Get returns the entry for domain and touches its recency.
func (c *Cache) Get(domain string) (Entry, bool) {
	return c.shard(domain).Get(domain)
}

// Set inserts or updates the entry for domain, evicting the least recently
// used entry of the shard when at capacity.
func (c *Cache) Set(domain string, e Entry) {
	c.shard(domain).Set(domain, e)
}

// Remove removes the entry for domain.
func (c *Cache) Remove(domain string) {
	c.shard(domain).Remove(domain)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	l := 0
	for _, s := range c.shards {
		l += s.Len()
	}

	return l
}

// ForEach calls fn for every cached entry until fn returns false. The
// iteration works on per-shard snapshots and does not touch recency.
func (c *Cache) ForEach(fn func(domain string, e Entry) bool) {
	for _, s := range c.shards {
		for _, de := range s.Snapshot() {
			if !fn(de.domain, de.entry) {
				return
			}
		}
	}
}

// GetOrCompute runs fn under a per-domain single-flight guard: at most one
// compute per domain is in flight, concurrent callers share its result. The
// compute itself is not interrupted when ctx expires, only the wait is.
func (c *Cache) GetOrCompute(ctx context.Context, domain string, fn func() (Entry, bool)) (Entry, bool, error) {
	ch := c.group.DoChan(domain, func() (any, error) {
		e, ok := fn()
		return computed{entry: e, ok: ok}, nil
	})

	select {
	case res := <-ch:
		v := res.Val.(computed)
		return v.entry, v.ok, nil
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	}
}

type computed struct {
	entry Entry
	ok    bool
}
