package recovery

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

func TestReplayAppliesEveryTaskExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	applied := make(map[types.BlockKey]int)

	var tasks []ReplayTask
	for oid := uint64(0); oid < 20; oid++ {
		tasks = append(tasks, ReplayTask{
			Op:    proto.OpWriteSlice,
			Block: types.BlockKey{ObjectID: oid},
			Slice: types.SliceKey{Offset: 0, Length: 10},
		})
	}

	apply := func(ctx context.Context, task ReplayTask) error {
		mu.Lock()
		applied[task.Block]++
		mu.Unlock()
		return nil
	}

	require.NoError(t, Replay(context.Background(), tasks, 4, 8, apply))

	assert.Len(t, applied, 20)
	for _, n := range applied {
		assert.Equal(t, 1, n)
	}
}

func TestReplayPreservesPerBlockOrder(t *testing.T) {
	block := types.BlockKey{ObjectID: 1}
	var mu sync.Mutex
	var order []uint64

	var tasks []ReplayTask
	for v := uint64(1); v <= 10; v++ {
		tasks = append(tasks, ReplayTask{Op: proto.OpWriteSlice, Block: block, DataVersion: v})
	}

	apply := func(ctx context.Context, task ReplayTask) error {
		mu.Lock()
		order = append(order, task.DataVersion)
		mu.Unlock()
		return nil
	}

	require.NoError(t, Replay(context.Background(), tasks, 4, 4, apply))

	require.Len(t, order, 10)
	for i, v := range order {
		assert.EqualValues(t, i+1, v)
	}
}

func TestReplayPropagatesApplyError(t *testing.T) {
	tasks := []ReplayTask{{Op: proto.OpWriteSlice, Block: types.BlockKey{ObjectID: 1}}}
	errBoom := assert.AnError

	err := Replay(context.Background(), tasks, 1, 1, func(ctx context.Context, task ReplayTask) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestReplayZeroThreadsDefaultsToOne(t *testing.T) {
	var calls int
	tasks := []ReplayTask{{Op: proto.OpWriteSlice, Block: types.BlockKey{ObjectID: 1}}}
	err := Replay(context.Background(), tasks, 0, 0, func(ctx context.Context, task ReplayTask) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
