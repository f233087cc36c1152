package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

func newTestGroup(t *testing.T, slaveCount int) (*types.DataGroup, []*types.DataServerInfo) {
	t.Helper()
	g := types.NewDataGroup(1)
	master := types.NewDataServerInfo(0, "10.0.0.0")
	master.SetStatus(types.DSActive)
	g.AddServer(master)
	g.SetMaster(master)

	slaves := make([]*types.DataServerInfo, slaveCount)
	for i := 0; i < slaveCount; i++ {
		ds := types.NewDataServerInfo(uint32(i+1), "10.0.0.1")
		ds.SetStatus(types.DSActive)
		g.AddServer(ds)
		slaves[i] = ds
	}
	return g, slaves
}

func testRecord() *proto.BinlogRecord {
	return proto.NewSliceRecord(proto.OpWriteSlice, 1, proto.SourceRPC,
		types.BlockKey{ObjectID: 1}, types.SliceKey{Offset: 0, Length: 10})
}

func TestReplicateAllSlavesAck(t *testing.T) {
	group, slaves := newTestGroup(t, 3)

	var sent atomic.Int32
	p := New(Config{AckTimeout: time.Second}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		sent.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, s := range slaves {
		p.Run(ctx, s)
	}

	require.NoError(t, p.Replicate(ctx, group, testRecord()))
	assert.EqualValues(t, 3, sent.Load())
}

func TestReplicateSkipsInactiveSlaves(t *testing.T) {
	group, slaves := newTestGroup(t, 3)
	slaves[0].SetStatus(types.DSOffline)

	var sent atomic.Int32
	p := New(Config{AckTimeout: time.Second}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		sent.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, s := range slaves {
		p.Run(ctx, s)
	}

	require.NoError(t, p.Replicate(ctx, group, testRecord()))
	assert.EqualValues(t, 2, sent.Load())
}

func TestReplicateNoSlavesIsNoOp(t *testing.T) {
	group := types.NewDataGroup(1)
	master := types.NewDataServerInfo(0, "10.0.0.0")
	master.SetStatus(types.DSActive)
	group.AddServer(master)
	group.SetMaster(master)

	p := New(Config{}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		t.Fatal("send should not be called with no slaves")
		return nil
	})

	require.NoError(t, p.Replicate(context.Background(), group, testRecord()))
}

func TestReplicateOnlineSlaveWaitsThenJoins(t *testing.T) {
	group, slaves := newTestGroup(t, 1)
	slaves[0].SetStatus(types.DSOnline)

	var sent atomic.Int32
	p := New(Config{AckTimeout: time.Second}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		sent.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx, slaves[0])

	go func() {
		time.Sleep(20 * time.Millisecond)
		slaves[0].SetStatus(types.DSActive)
	}()

	require.NoError(t, p.Replicate(ctx, group, testRecord()))
	assert.EqualValues(t, 1, sent.Load())
}

func TestReplicateSendErrorSurfacesAsTransportError(t *testing.T) {
	group, slaves := newTestGroup(t, 1)

	p := New(Config{AckTimeout: time.Second}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		return errors.New("connection refused")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx, slaves[0])

	err := p.Replicate(ctx, group, testRecord())
	require.Error(t, err)
}

func TestReplicateAckTimeoutWhenSlaveNeverResponds(t *testing.T) {
	group, slaves := newTestGroup(t, 1)

	block := make(chan struct{})
	p := New(Config{AckTimeout: 30 * time.Millisecond}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx, slaves[0])

	err := p.Replicate(ctx, group, testRecord())
	require.Error(t, err)
	close(block)
}

func TestReplicatePreservesFIFOOrderWithinChannel(t *testing.T) {
	group, slaves := newTestGroup(t, 1)

	var mu sync.Mutex
	var order []uint64

	p := New(Config{AckTimeout: time.Second}, func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		mu.Lock()
		order = append(order, rec.DataVersion)
		mu.Unlock()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx, slaves[0])

	for v := uint64(1); v <= 20; v++ {
		rec := proto.NewSliceRecord(proto.OpWriteSlice, v, proto.SourceRPC,
			types.BlockKey{ObjectID: 1}, types.SliceKey{Offset: 0, Length: 1})
		require.NoError(t, p.Replicate(ctx, group, rec))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.EqualValues(t, i+1, v)
	}
}
