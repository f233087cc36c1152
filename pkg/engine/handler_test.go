package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

func startTestListener(t *testing.T, s *Server) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	go func() { _ = s.Serve(ctx, ln) }()
	return ln.Addr()
}

func dialAndRoundTrip(t *testing.T, addr net.Addr, req *proto.Frame) *proto.Frame {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, proto.WriteFrame(conn, req))
	reply, err := proto.ReadFrame(conn, maxFrameBody)
	require.NoError(t, err)
	return reply
}

func TestHandlerWriteThenReadOverTheWire(t *testing.T) {
	s, group := newTestServer(t)
	addr := startTestListener(t, s)

	wreq := &writeRequest{GroupID: group.ID, Block: types.BlockKey{ObjectID: 1}, SliceOffset: 0, Data: []byte("hello")}
	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdWrite, Body: wreq.marshal()})
	assert.Equal(t, proto.StatusOK, reply.Status)

	rreq := &readRequest{GroupID: group.ID, Block: types.BlockKey{ObjectID: 1}, Slice: types.SliceKey{Offset: 0, Length: 5}}
	reply = dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdRead, Body: rreq.marshal()})
	require.Equal(t, proto.StatusOK, reply.Status)
	assert.Equal(t, "hello", string(reply.Body))
}

func TestHandlerDeleteOverTheWire(t *testing.T) {
	s, group := newTestServer(t)
	addr := startTestListener(t, s)

	wreq := &writeRequest{GroupID: group.ID, Block: types.BlockKey{ObjectID: 2}, SliceOffset: 0, Data: []byte("data")}
	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdWrite, Body: wreq.marshal()})
	require.Equal(t, proto.StatusOK, reply.Status)

	dreq := &deleteRequest{GroupID: group.ID, Block: types.BlockKey{ObjectID: 2}}
	reply = dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdDelete, Body: dreq.marshal()})
	assert.Equal(t, proto.StatusOK, reply.Status)

	rreq := &readRequest{GroupID: group.ID, Block: types.BlockKey{ObjectID: 2}, Slice: types.SliceKey{Offset: 0, Length: 4}}
	reply = dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdRead, Body: rreq.marshal()})
	assert.Equal(t, proto.StatusNotFound, reply.Status)
}

func TestHandlerReadUnknownGroupReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	addr := startTestListener(t, s)

	rreq := &readRequest{GroupID: 999, Block: types.BlockKey{ObjectID: 1}, Slice: types.SliceKey{Offset: 0, Length: 1}}
	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdRead, Body: rreq.marshal()})
	assert.Equal(t, proto.StatusNotFound, reply.Status)
}

func TestHandlerReplicateAppliesAndAcks(t *testing.T) {
	s, group := newTestServer(t)
	addr := startTestListener(t, s)

	block := types.BlockKey{ObjectID: 9}
	slice := types.SliceKey{Offset: 0, Length: 3}
	rec := proto.NewSliceRecord(proto.OpWriteSlice, 1, proto.SourceRPC, block, slice)
	body := marshalReplicateBody(group.ID, rec, []byte("xyz"))

	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdReplicate, Body: body})
	require.Equal(t, proto.CmdReplicateAck, reply.Cmd)
	assert.Equal(t, proto.StatusOK, reply.Status)

	data, err := s.ReadSlice(context.Background(), group.ID, block, slice)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(data))
	assert.EqualValues(t, 1, group.DataVersion())
}

func TestHandlerFetchBinlogReturnsWrittenRange(t *testing.T) {
	s, group := newTestServer(t)
	ctx := context.Background()
	block := types.BlockKey{ObjectID: 4}
	slice := types.SliceKey{Offset: 0, Length: 5}
	_, err := s.WriteSlice(ctx, group.ID, block, slice, []byte("world"), proto.SourceRPC)
	require.NoError(t, err)

	addr := startTestListener(t, s)
	req := marshalFetchRequest(group.ID, 0)
	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdFetchBinlog, Body: req})
	require.Equal(t, proto.StatusOK, reply.Status)

	lastDV, binlog, payload, err := unmarshalFetchResponse(reply.Body)
	require.NoError(t, err)
	assert.EqualValues(t, 1, lastDV)
	assert.NotEmpty(t, binlog)
	assert.Equal(t, "world", string(payload[len(payload)-5:]))
}

func TestHandlerUnknownCommandIsInvalid(t *testing.T) {
	s, _ := newTestServer(t)
	addr := startTestListener(t, s)
	reply := dialAndRoundTrip(t, addr, &proto.Frame{Cmd: proto.CmdTruncate})
	assert.Equal(t, proto.StatusInvalid, reply.Status)
}
