package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/types"
)

func TestGetOrCreateIdempotent(t *testing.T) {
	ix := New()
	key := types.BlockKey{ObjectID: 1, BlockOffset: 0}
	a := ix.GetOrCreate(key)
	b := ix.GetOrCreate(key)
	assert.Same(t, a, b)
	assert.Equal(t, 1, ix.Len())
}

func TestGetMissingIsNotFound(t *testing.T) {
	ix := New()
	_, err := ix.Get(types.BlockKey{ObjectID: 99})
	assert.True(t, ferr.Is(err, ferr.NotFound))
}

func TestAddSliceDisplacesOverlap(t *testing.T) {
	ix := New()
	key := types.BlockKey{ObjectID: 1}

	ix.AddSlice(key, &types.OBSliceEntry{Slice: types.SliceKey{Offset: 0, Length: 10}, Version: 1})
	displaced := ix.AddSlice(key, &types.OBSliceEntry{Slice: types.SliceKey{Offset: 0, Length: 10}, Version: 2})

	require.Len(t, displaced, 1)
	assert.EqualValues(t, 1, displaced[0].Version)

	entry, err := ix.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Len())
}

func TestDeleteBlock(t *testing.T) {
	ix := New()
	key := types.BlockKey{ObjectID: 1}
	ix.GetOrCreate(key)
	assert.Equal(t, 1, ix.Len())

	ix.DeleteBlock(key)
	assert.Equal(t, 0, ix.Len())
	_, err := ix.Get(key)
	assert.Error(t, err)
}

func TestAscendHashRangePartitions(t *testing.T) {
	ix := New()
	for i := uint64(0); i < 200; i++ {
		ix.GetOrCreate(types.BlockKey{ObjectID: i})
	}

	const shardCount = 4
	seen := make(map[types.BlockKey]bool)
	for shard := 0; shard < shardCount; shard++ {
		ix.AscendHashRange(shard, shardCount, func(e *types.OBEntry) bool {
			assert.False(t, seen[e.Key], "block visited by more than one shard")
			seen[e.Key] = true
			return true
		})
	}
	assert.Len(t, seen, 200)
}

func TestAscendOrder(t *testing.T) {
	ix := New()
	ix.GetOrCreate(types.BlockKey{ObjectID: 3})
	ix.GetOrCreate(types.BlockKey{ObjectID: 1})
	ix.GetOrCreate(types.BlockKey{ObjectID: 2})

	var order []uint64
	ix.Ascend(func(e *types.OBEntry) bool {
		order = append(order, e.Key.ObjectID)
		return true
	})
	assert.Equal(t, []uint64{1, 2, 3}, order)
}

func TestReclaimLockMissingBlockReturnsNil(t *testing.T) {
	ix := New()
	assert.Nil(t, ix.ReclaimLock(types.BlockKey{ObjectID: 99}))
}

func TestReclaimLockBlocksConcurrentInsert(t *testing.T) {
	ix := New()
	key := types.BlockKey{ObjectID: 1}
	ix.GetOrCreate(key)

	entry := ix.ReclaimLock(key)
	require.NotNil(t, entry)

	inserted := make(chan struct{})
	go func() {
		ix.AddSlice(key, &types.OBSliceEntry{Slice: types.SliceKey{Offset: 0, Length: 10}, Version: 1})
		close(inserted)
	}()

	select {
	case <-inserted:
		t.Fatal("AddSlice completed while the reclaim lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	ix.ReclaimUnlock(entry)

	select {
	case <-inserted:
	case <-time.After(time.Second):
		t.Fatal("AddSlice never completed after ReclaimUnlock")
	}
}
