// Package alloc implements FastStore's sharded allocator pool: N
// independent shards, each owning a sync.Pool-backed buffer pool and a
// monotonic counter used to issue globally unique SliceVersions. Sharding
// lets concurrent client threads allocate combine buffers without
// contending on a single lock, the same way the original allocator array
// assigned one context per shard with its version bits baked in.
package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/faststore/pkg/types"
)

// DefaultShardCount matches the original allocator array size.
const DefaultShardCount = 17

// shard owns one counter and one buffer pool. Buffers are bucketed by a
// rounded-up power-of-two size so sync.Pool.Get rarely returns something
// far larger than requested.
type shard struct {
	counter atomic.Uint64

	mu    sync.Mutex
	pools map[int]*sync.Pool
}

func newShard() *shard {
	return &shard{pools: make(map[int]*sync.Pool)}
}

func bucketSize(n int) int {
	size := 256
	for size < n {
		size <<= 1
	}
	return size
}

func (s *shard) poolFor(size int) *sync.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[size]
	if !ok {
		sz := size
		p = &sync.Pool{New: func() any { return make([]byte, sz) }}
		s.pools[size] = p
	}
	return p
}

func (s *shard) get(n int) []byte {
	bucket := bucketSize(n)
	buf := s.poolFor(bucket).Get().([]byte)
	return buf[:n]
}

func (s *shard) put(buf []byte) {
	bucket := bucketSize(cap(buf))
	s.poolFor(bucket).Put(buf[:0:bucket]) //nolint:staticcheck // reset len, keep cap
}

// Pool is the sharded allocator: pick a shard by BlockKey hash, allocate
// a buffer from it, and issue a SliceVersion stamped with that shard's
// index so recovery can recover which shard produced any given version.
type Pool struct {
	shards []*shard
}

// New constructs a Pool with shardCount independent shards.
func New(shardCount int) *Pool {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	p := &Pool{shards: make([]*shard, shardCount)}
	for i := range p.shards {
		p.shards[i] = newShard()
	}
	return p
}

// shardIndex picks a shard deterministically from a block key so that
// repeated allocations for the same block tend to reuse the same shard's
// buffer pool, improving cache locality without needing real affinity.
func (p *Pool) shardIndex(key types.BlockKey) int {
	return int(key.Hash() % uint64(len(p.shards)))
}

// Alloc reserves a size-byte combine buffer and a fresh SliceVersion for
// a write to key.
func (p *Pool) Alloc(key types.BlockKey, size int) (buf []byte, version types.SliceVersion) {
	idx := p.shardIndex(key)
	sh := p.shards[idx]
	buf = sh.get(size)
	counter := sh.counter.Add(1)
	version = types.NewSliceVersion(idx, counter)
	return buf, version
}

// Release returns buf to the shard that issued version, for reuse by a
// future Alloc call of a similar size.
func (p *Pool) Release(version types.SliceVersion, buf []byte) {
	idx := version.ShardIndex()
	if idx < 0 || idx >= len(p.shards) {
		return
	}
	p.shards[idx].put(buf)
}

// ShardCount reports the number of allocator shards.
func (p *Pool) ShardCount() int { return len(p.shards) }

// Grow reallocates buf to at least newSize bytes from the shard that
// issued version, copying existing content, used when a write-combine
// buffer must extend past its original capacity.
func (p *Pool) Grow(version types.SliceVersion, buf []byte, newSize int) []byte {
	if cap(buf) >= newSize {
		return buf[:newSize]
	}
	idx := version.ShardIndex()
	if idx < 0 || idx >= len(p.shards) {
		idx = 0
	}
	fresh := p.shards[idx].get(newSize)
	copy(fresh, buf)
	return fresh
}
