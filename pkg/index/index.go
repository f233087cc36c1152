// Package index implements the object-block index: an ordered,
// concurrent map from BlockKey to the block's non-overlapping slice
// records. It is backed by a google/btree generic tree so that the
// recovery driver can range over a block-hash-keyed shard of the index
// without locking the whole structure, and so the trunk reclaimer can
// walk blocks in a stable order when rewriting trunk contents.
package index

import (
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/types"
)

const defaultDegree = 32

type node struct {
	key   types.BlockKey
	entry *types.OBEntry
}

func lessNode(a, b node) bool {
	if a.key.ObjectID != b.key.ObjectID {
		return a.key.ObjectID < b.key.ObjectID
	}
	return a.key.BlockOffset < b.key.BlockOffset
}

// Index is the server-side object-block index.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[node]

	liveCount int // not read or updated; AddSlice keeps the live slice count in metrics.IndexSlicesTotal only
}

// New constructs an empty index.
func New() *Index {
	return &Index{tree: btree.NewG(defaultDegree, lessNode)}
}

// GetOrCreate returns the OBEntry for key, creating an empty one if absent.
func (ix *Index) GetOrCreate(key types.BlockKey) *types.OBEntry {
	ix.mu.RLock()
	if n, ok := ix.tree.Get(node{key: key}); ok {
		ix.mu.RUnlock()
		return n.entry
	}
	ix.mu.RUnlock()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if n, ok := ix.tree.Get(node{key: key}); ok {
		return n.entry
	}
	entry := types.NewOBEntry(key)
	ix.tree.ReplaceOrInsert(node{key: key, entry: entry})
	return entry
}

// Get returns the OBEntry for key, or ferr.NotFound if the block has
// never been written.
func (ix *Index) Get(key types.BlockKey) (*types.OBEntry, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.tree.Get(node{key: key})
	if !ok {
		return nil, ferr.New(ferr.NotFound, "index.Get", nil)
	}
	return n.entry, nil
}

// DeleteBlock removes a block's entire entry from the index, used for a
// 'D' (delete whole block) binlog record.
func (ix *Index) DeleteBlock(key types.BlockKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.Delete(node{key: key})
}

// AddSlice inserts a committed slice into key's block entry, returning
// any displaced (overlapping) records so their trunk space can be
// released by the caller.
func (ix *Index) AddSlice(key types.BlockKey, slice *types.OBSliceEntry) []*types.OBSliceEntry {
	entry := ix.GetOrCreate(key)

	timer := metrics.NewTimer()
	displaced := entry.Insert(slice)
	timer.ObserveDuration(metrics.IndexInsertDuration)

	if len(displaced) > 0 {
		metrics.IndexOverlapSplitsTotal.Add(float64(len(displaced)))
	}
	metrics.IndexSlicesTotal.Add(float64(1 - len(displaced)))
	return displaced
}

// ReclaimLock acquires key's block entry's exclusive guard for the trunk
// reclaimer and returns it, or nil if the block has never been indexed.
// Holding the returned entry's lock blocks every concurrent Insert
// against that block until ReclaimUnlock releases it. A reclaimer
// locking more than one block at a time must acquire them in BlockKey
// order and release whatever it already holds if a later lock in the
// batch fails, to avoid deadlocking against another reclaimer pass.
func (ix *Index) ReclaimLock(key types.BlockKey) *types.OBEntry {
	ix.mu.RLock()
	n, ok := ix.tree.Get(node{key: key})
	ix.mu.RUnlock()
	if !ok {
		return nil
	}
	n.entry.Lock()
	return n.entry
}

// ReclaimUnlock releases a guard taken by ReclaimLock.
func (ix *Index) ReclaimUnlock(entry *types.OBEntry) {
	entry.Unlock()
}

// Len returns the number of distinct blocks currently indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// AscendHashRange calls fn for every block whose BlockKey.Hash() mod
// shardCount equals shardIndex, in BlockKey order, so several workers
// can each walk a disjoint set of blocks. The recovery REPLAY stage does
// not call it; it shards its task list by the same hash itself.
func (ix *Index) AscendHashRange(shardIndex, shardCount int, fn func(*types.OBEntry) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.Ascend(func(n node) bool {
		if shardCount <= 1 || int(n.key.Hash()%uint64(shardCount)) == shardIndex {
			return fn(n.entry)
		}
		return true
	})
}

// Ascend calls fn for every block entry in BlockKey order.
func (ix *Index) Ascend(fn func(*types.OBEntry) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.Ascend(func(n node) bool { return fn(n.entry) })
}
