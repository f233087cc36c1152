package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/recovery"
	"github.com/cuemby/faststore/pkg/types"
)

// Dialer opens a connection to a peer address. *net.Dialer satisfies
// this directly; tests substitute an in-memory pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSendFunc builds a replication.SendFunc that dials peer.Addr over
// the raw frame protocol, attaching the write payload read back from
// this server's own storage since a binlog record alone carries no
// bytes. The owning data group is derived from rec.Block via the
// cluster's configured data_group_count.
func (s *Server) NewSendFunc(dial Dialer, dialTimeout time.Duration) func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
	return func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error {
		groupID := types.DataGroupID(rec.Block, s.cfg.DataGroupCount)

		var payload []byte
		if rec.OpType == proto.OpWriteSlice || rec.OpType == proto.OpAllocSlice {
			data, err := s.ReadSlice(ctx, groupID, rec.Block, rec.Slice)
			if err != nil {
				return ferr.New(ferr.Invalid, "engine.SendFunc", err)
			}
			payload = data
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := dial.DialContext(dialCtx, "tcp", peer.Addr)
		if err != nil {
			return ferr.New(ferr.Transport, "engine.SendFunc", err)
		}
		defer conn.Close()

		body := marshalReplicateBody(groupID, rec, payload)
		if err := proto.WriteFrame(conn, &proto.Frame{Cmd: proto.CmdReplicate, Body: body}); err != nil {
			return ferr.New(ferr.Transport, "engine.SendFunc", err)
		}
		reply, err := proto.ReadFrame(conn, maxFrameBody)
		if err != nil {
			return ferr.New(ferr.Transport, "engine.SendFunc", err)
		}
		if reply.Status != proto.StatusOK {
			return ferr.New(ferr.Transport, "engine.SendFunc", fmt.Errorf("peer %d replied status %d", peer.ServerID, reply.Status))
		}
		return nil
	}
}

// NewFetchFunc builds a recovery.FetchFunc that fetches the catch-up
// range from a remote master instead of this server's own binlog,
// used by a driver recovering a group this server does not yet host
// authoritative data for.
func (s *Server) NewFetchFunc(dial Dialer, dialTimeout time.Duration, masterAddr string, groupID uint32) recovery.FetchFunc {
	return func(ctx context.Context, group *types.DataGroup, from uint64, binlogDest, payloadDest *os.File) (int64, uint64, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		conn, err := dial.DialContext(dialCtx, "tcp", masterAddr)
		if err != nil {
			return 0, from, ferr.New(ferr.Transport, "engine.FetchFunc", err)
		}
		defer conn.Close()

		req := marshalFetchRequest(groupID, from)
		if err := proto.WriteFrame(conn, &proto.Frame{Cmd: proto.CmdFetchBinlog, Body: req}); err != nil {
			return 0, from, ferr.New(ferr.Transport, "engine.FetchFunc", err)
		}
		reply, err := proto.ReadFrame(conn, maxFrameBody)
		if err != nil {
			return 0, from, ferr.New(ferr.Transport, "engine.FetchFunc", err)
		}
		if reply.Status != proto.StatusOK {
			return 0, from, ferr.New(ferr.Transport, "engine.FetchFunc", fmt.Errorf("master replied status %d", reply.Status))
		}

		lastDV, binlog, payload, err := unmarshalFetchResponse(reply.Body)
		if err != nil {
			return 0, from, ferr.New(ferr.Invalid, "engine.FetchFunc", err)
		}
		if _, err := binlogDest.Write(binlog); err != nil {
			return 0, from, err
		}
		if _, err := payloadDest.Write(payload); err != nil {
			return 0, from, err
		}
		return int64(len(binlog)), lastDV, nil
	}
}
