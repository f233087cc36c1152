// Package combine implements the client-side write-combine cache: an
// OTID-keyed sharded hash table of in-flight combine buffers, an
// OPID-keyed sharded hash table for sequential-write / duplicate
// detection, and the combine engine that ties writes into those tables
// and flushes them to the write path.
package combine

import (
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/faststore/pkg/types"
)

// shardCountFor turns n into an odd shard count: a non-positive n
// becomes 61 and an even n is bumped to the next odd number, the same
// way the original otid/opid hash tables picked a shard count that
// avoids obvious hash clustering.
func shardCountFor(n int) int {
	if n <= 0 {
		n = 61
	}
	if n%2 == 0 {
		n++
	}
	return n
}

// otidShard is one shard of the OTID table: an LRU-bounded map plus a
// random per-entry TTL so shards don't all expire entries in lockstep.
type otidShard struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	jitter time.Duration
}

type otidTTLEntry struct {
	entry    *types.OTIDEntry
	expireAt time.Time
}

func newOTIDShard(capacity int, ttl, jitter time.Duration) *otidShard {
	c, _ := lru.New(capacity)
	return &otidShard{cache: c, ttl: ttl, jitter: jitter}
}

func (s *otidShard) randomTTL() time.Duration {
	if s.jitter <= 0 {
		return s.ttl
	}
	return s.ttl + time.Duration(rand.Int63n(int64(s.jitter)))
}

func (s *otidShard) getOrCreate(id types.OTID) *types.OTIDEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(id); ok {
		te := v.(*otidTTLEntry)
		if time.Now().Before(te.expireAt) {
			return te.entry
		}
		s.cache.Remove(id)
	}

	entry := types.NewOTIDEntry(id)
	s.cache.Add(id, &otidTTLEntry{entry: entry, expireAt: time.Now().Add(s.randomTTL())})
	return entry
}

func (s *otidShard) remove(id types.OTID) {
	s.mu.Lock()
	s.cache.Remove(id)
	s.mu.Unlock()
}

func (s *otidShard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// OTIDTable is the sharded, TTL-evicting hash table of per-thread
// combine state, keyed by OTID.
type OTIDTable struct {
	shards []*otidShard
}

// NewOTIDTable constructs a table with shardCount shards, each capped at
// capacity/shardCount entries (at least 1), giving every entry a TTL of
// ttl plus a random extra in [0, jitter).
func NewOTIDTable(shardCount, capacity int, ttl, jitter time.Duration) *OTIDTable {
	shardCount = shardCountFor(shardCount)
	perShardCap := capacity / shardCount
	if perShardCap < 1 {
		perShardCap = 1
	}
	t := &OTIDTable{shards: make([]*otidShard, shardCount)}
	for i := range t.shards {
		t.shards[i] = newOTIDShard(perShardCap, ttl, jitter)
	}
	return t
}

func (t *OTIDTable) shard(id types.OTID) *otidShard {
	return t.shards[uint64(id)%uint64(len(t.shards))]
}

// GetOrCreate returns the OTIDEntry for id, creating it (and resetting
// its TTL) if absent or expired.
func (t *OTIDTable) GetOrCreate(id types.OTID) *types.OTIDEntry {
	return t.shard(id).getOrCreate(id)
}

// Remove evicts the entry for id, e.g. after an explicit close.
func (t *OTIDTable) Remove(id types.OTID) {
	t.shard(id).remove(id)
}

// Len returns the total number of live entries across all shards.
func (t *OTIDTable) Len() int {
	n := 0
	for _, s := range t.shards {
		n += s.len()
	}
	return n
}

// opidKey is the (OPID, BlockKey) tuple the OPID table is keyed
// by, per the ordered-chain-per-block design spec.md requires.
type opidKey struct {
	opid  types.OPID
	block types.BlockKey
}

// opidShard mirrors otidShard for OPID entries.
type opidShard struct {
	mu     sync.Mutex
	cache  *lru.Cache
	ttl    time.Duration
	jitter time.Duration
}

type opidTTLEntry struct {
	entry    *types.OPIDEntry
	expireAt time.Time
}

func newOPIDShard(capacity int, ttl, jitter time.Duration) *opidShard {
	c, _ := lru.New(capacity)
	return &opidShard{cache: c, ttl: ttl, jitter: jitter}
}

func (s *opidShard) randomTTL() time.Duration {
	if s.jitter <= 0 {
		return s.ttl
	}
	return s.ttl + time.Duration(rand.Int63n(int64(s.jitter)))
}

func (s *opidShard) getOrCreate(key opidKey) *types.OPIDEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(key); ok {
		te := v.(*opidTTLEntry)
		if time.Now().Before(te.expireAt) {
			return te.entry
		}
		s.cache.Remove(key)
	}

	entry := types.NewOPIDEntry(key.opid)
	s.cache.Add(key, &opidTTLEntry{entry: entry, expireAt: time.Now().Add(s.randomTTL())})
	return entry
}

// OPIDTable is the sharded, TTL-evicting hash table mapping (OPID,
// BlockKey) to an OPIDEntry holding the previous write's end offset and
// the running successive_count, used for sequential-write detection
// across OTID churn. Earlier writes themselves are not kept.
type OPIDTable struct {
	shards []*opidShard
}

// NewOPIDTable constructs a table with shardCount shards, each capped at
// capacity/shardCount entries (at least 1), giving every entry a TTL of
// ttl plus a random extra in [0, jitter).
func NewOPIDTable(shardCount, capacity int, ttl, jitter time.Duration) *OPIDTable {
	shardCount = shardCountFor(shardCount)
	perShardCap := capacity / shardCount
	if perShardCap < 1 {
		perShardCap = 1
	}
	t := &OPIDTable{shards: make([]*opidShard, shardCount)}
	for i := range t.shards {
		t.shards[i] = newOPIDShard(perShardCap, ttl, jitter)
	}
	return t
}

func (t *OPIDTable) shard(key opidKey) *opidShard {
	h := uint64(key.opid) ^ key.block.Hash()
	return t.shards[h%uint64(len(t.shards))]
}

// GetOrCreate returns the OPIDEntry for (opid, block), creating it if
// absent or expired.
func (t *OPIDTable) GetOrCreate(opid types.OPID, block types.BlockKey) *types.OPIDEntry {
	key := opidKey{opid: opid, block: block}
	return t.shard(key).getOrCreate(key)
}
