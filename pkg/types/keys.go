// Package types defines FastStore's shared data model: block and slice
// keys, slice versions, and the cluster-facing DataGroup/DataServer
// records every other package builds on.
package types

import (
	"fmt"
	"hash/fnv"
)

// BlockKey identifies a fixed-size addressable unit of an object.
type BlockKey struct {
	ObjectID    uint64
	BlockOffset uint64
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%d:%d", k.ObjectID, k.BlockOffset)
}

// Hash returns a stable 64-bit hash of the key, used both for data-group
// routing and for shard selection in the allocator pool and hash tables.
func (k BlockKey) Hash() uint64 {
	h := fnv.New64a()
	var buf [16]byte
	putUint64(buf[0:8], k.ObjectID)
	putUint64(buf[8:16], k.BlockOffset)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

// DataGroupID routes a BlockKey to its owning data group: (H(key) mod
// data_group_count) + 1.
func DataGroupID(key BlockKey, dataGroupCount uint32) uint32 {
	if dataGroupCount == 0 {
		return 1
	}
	return uint32(key.Hash()%uint64(dataGroupCount)) + 1
}

// SliceKey is a contiguous byte range within a block.
type SliceKey struct {
	Offset uint32
	Length uint32
}

// End returns the exclusive end offset of the slice.
func (s SliceKey) End() uint32 { return s.Offset + s.Length }

// Overlaps reports whether s and other intersect.
func (s SliceKey) Overlaps(other SliceKey) bool {
	return s.Offset < other.End() && other.Offset < s.End()
}

// Adjacent reports whether other begins exactly where s ends (strict
// contiguity, as required by the write-combine rules).
func (s SliceKey) Adjacent(other SliceKey) bool {
	return s.End() == other.Offset
}

// BlockSliceKey addresses a slice within a specific block.
type BlockSliceKey struct {
	Block BlockKey
	Slice SliceKey
}

// SliceVersion is a 64-bit value whose upper 16 bits identify the
// allocator shard that issued it (shard-index+1 << 48) and whose lower
// bits are a monotonically increasing per-shard counter, guaranteeing
// global uniqueness without cross-shard coordination.
type SliceVersion uint64

const shardShift = 48

// NewSliceVersion packs a shard index (0-based) and counter into a version.
func NewSliceVersion(shardIndex int, counter uint64) SliceVersion {
	return SliceVersion((uint64(shardIndex+1) << shardShift) | (counter & (1<<shardShift - 1)))
}

// ShardIndex recovers the 0-based allocator shard index that issued v.
func (v SliceVersion) ShardIndex() int {
	return int(uint64(v)>>shardShift) - 1
}

// Counter recovers the per-shard monotonic counter component of v.
func (v SliceVersion) Counter() uint64 {
	return uint64(v) & (1<<shardShift - 1)
}

// OTID is an originating-thread id supplied by the client; keys
// write-combine state.
type OTID uint64

// OPID is an operation id; keys sequential-write detection.
type OPID uint64
