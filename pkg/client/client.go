// Package client is the external entry point for talking to a FastStore
// data server: it wraps a write-combine engine over a dialed frame
// connection, the same dial/retry/Close shape the original manager
// client used to reach a cluster node, adapted to the raw frame
// protocol instead of a gRPC channel.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/faststore/pkg/alloc"
	"github.com/cuemby/faststore/pkg/combine"
	"github.com/cuemby/faststore/pkg/config"
	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

const maxFrameBody = 64 << 20

// Client is one caller's connection to a FastStore data server, fronted
// by a write-combine engine so small sequential writes coalesce before
// they ever hit the wire.
type Client struct {
	cfg  *config.Config
	addr string

	mu   sync.Mutex
	conn net.Conn

	pool   *alloc.Pool
	otids  *combine.OTIDTable
	opids  *combine.OPIDTable
	engine *combine.Engine

	dataGroupCount uint32
}

// Dial connects to a data server at addr and wires up the client-side
// combine engine per cfg.WriteCombine.
func Dial(cfg *config.Config, addr string, dataGroupCount uint32) (*Client, error) {
	c := &Client{
		cfg:            cfg,
		addr:           addr,
		pool:           alloc.New(cfg.Allocator.ShardCount),
		otids:          combine.NewOTIDTable(cfg.OTIDHTable.ShardCount, cfg.OTIDHTable.Capacity, cfg.OTIDHTable.EntryTTL, cfg.OTIDHTable.EntryTTL/4),
		opids:          combine.NewOPIDTable(cfg.OPIDHTable.ShardCount, cfg.OPIDHTable.Capacity, cfg.OPIDHTable.EntryTTL, cfg.OPIDHTable.EntryTTL/4),
		dataGroupCount: dataGroupCount,
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	c.engine = combine.New(combine.Config{
		MaxBufferSize:  cfg.WriteCombine.MaxBufferSize,
		MaxCombineTime: cfg.WriteCombine.MaxCombineTime,
	}, c.pool, c.otids, c.opids, c.flushToServer)
	return c, nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.ConnectTimeout)
	if err != nil {
		return ferr.New(ferr.Transport, "client.connect", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Run starts the combine engine's background flush-timeout sweep; it
// blocks until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	c.engine.Run(ctx)
}

// Write stages a write through the combine engine under otid/opid and
// blocks until the buffer it lands in is flushed to the server,
// reporting combined: whether the payload was folded into an
// already-open buffer (true) or started a new one (false).
func (c *Client) Write(ctx context.Context, otid types.OTID, opid types.OPID, block types.BlockKey, offset uint32, data []byte) (combined bool, err error) {
	return c.engine.Write(ctx, otid, opid, block, offset, data)
}

// Flush forces otid's open combine buffer, if any, out to the server
// immediately, used before Close or whenever the caller needs a
// durability point. Buffers held under other OTIDs stay open.
func (c *Client) Flush(ctx context.Context, otid types.OTID) error {
	return c.engine.Flush(ctx, otid)
}

func (c *Client) flushToServer(ctx context.Context, entry *types.SliceEntry) error {
	groupID := types.DataGroupID(entry.Key.Block, c.dataGroupCount)
	body := marshalWriteRequest(groupID, entry.Key.Block, entry.Key.Slice.Offset, entry.Data)
	reply, err := c.roundTrip(ctx, &proto.Frame{Cmd: proto.CmdWrite, Body: body})
	if err != nil {
		return err
	}
	if reply.Status != proto.StatusOK {
		return ferr.New(ferr.Transport, "client.flushToServer", fmt.Errorf("server replied status %d", reply.Status))
	}
	return nil
}

// Read fetches a slice's current bytes straight from the server,
// bypassing the combine cache: FastStore's read_rule setting decides
// whether callers consult the client cache first, a policy enforced
// above this package.
func (c *Client) Read(ctx context.Context, groupID uint32, block types.BlockKey, slice types.SliceKey) ([]byte, error) {
	body := marshalReadRequest(groupID, block, slice)
	reply, err := c.roundTrip(ctx, &proto.Frame{Cmd: proto.CmdRead, Body: body})
	if err != nil {
		return nil, err
	}
	if reply.Status != proto.StatusOK {
		return nil, ferr.New(ferr.Transport, "client.Read", fmt.Errorf("server replied status %d", reply.Status))
	}
	return reply.Body, nil
}

// Delete removes every slice of block from its owning data group.
func (c *Client) Delete(ctx context.Context, groupID uint32, block types.BlockKey) error {
	body := marshalDeleteRequest(groupID, block)
	reply, err := c.roundTrip(ctx, &proto.Frame{Cmd: proto.CmdDelete, Body: body})
	if err != nil {
		return err
	}
	if reply.Status != proto.StatusOK {
		return ferr.New(ferr.Transport, "client.Delete", fmt.Errorf("server replied status %d", reply.Status))
	}
	return nil
}

// roundTrip sends one frame and waits for the reply, reconnecting once
// on a transport-level failure the way the original client's retry loop
// tolerated a single dropped connection before giving up.
func (c *Client) roundTrip(ctx context.Context, req *proto.Frame) (*proto.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.NetworkTimeout))
	}

	if err := proto.WriteFrame(conn, req); err != nil {
		if reconnErr := c.connect(); reconnErr == nil {
			c.mu.Lock()
			conn = c.conn
			c.mu.Unlock()
			if err := proto.WriteFrame(conn, req); err != nil {
				return nil, ferr.New(ferr.Transport, "client.roundTrip", err)
			}
		} else {
			return nil, ferr.New(ferr.Transport, "client.roundTrip", err)
		}
	}
	reply, err := proto.ReadFrame(conn, maxFrameBody)
	if err != nil {
		return nil, ferr.New(ferr.Transport, "client.roundTrip", err)
	}
	return reply, nil
}

// Close flushes nothing further and closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
