// Package engine wires every FastStore server-side component — the
// trunk manager, the object-block index, the replication pipeline, the
// recovery driver and the topology notifier — into one data-group
// scoped write/read path, the way a single reconciler loop ties
// together a control plane's subsystems.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/faststore/pkg/config"
	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/index"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/replication"
	"github.com/cuemby/faststore/pkg/storage"
	"github.com/cuemby/faststore/pkg/topology"
	"github.com/cuemby/faststore/pkg/trunk"
	"github.com/cuemby/faststore/pkg/types"
)

// groupState is everything one data group needs to serve writes and
// reads: its own trunk manager, index, reclaimer and binlog file.
type groupState struct {
	group   *types.DataGroup
	index   *index.Index
	trunks  *trunk.Manager
	reclaim *trunk.Reclaimer
	binlog  *binlogFile
}

// Server is the data-server process's write/read path for every data
// group it hosts, plus the replication and topology machinery shared
// across groups.
type Server struct {
	cfg   *config.Config
	store *storage.Store

	pipeline *replication.Pipeline
	notifier *topology.Notifier

	mu     sync.RWMutex
	groups map[uint32]*groupState

	logger zerolog.Logger
}

// New constructs a Server. send is the outbound RPC used by the
// replication pipeline to reach slaves; push is the outbound RPC used
// by the topology notifier to announce a peer status change.
func New(cfg *config.Config, store *storage.Store, send replication.SendFunc, push topology.PushFunc) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		pipeline: replication.New(replication.Config{ChannelsPerPeer: cfg.Replica.ChannelsBetweenTwoServers, AckTimeout: cfg.Replica.AckTimeout}, send),
		notifier: topology.New(push),
		groups:   make(map[uint32]*groupState),
		logger:   log.WithComponent("engine"),
	}
}

// Pipeline exposes the replication pipeline so callers can Run it for
// newly discovered peers.
func (s *Server) Pipeline() *replication.Pipeline { return s.pipeline }

// Notifier exposes the topology notifier so callers can Run it and feed
// it DataServerChangeEvents.
func (s *Server) Notifier() *topology.Notifier { return s.notifier }

// AddGroup registers a data group this server hosts, opening its trunk
// manager, index and binlog file under <data_path>/groups/<id>.
func (s *Server) AddGroup(group *types.DataGroup) (*groupState, error) {
	dir := fmt.Sprintf("%s/groups/%d", s.cfg.DataPath, group.ID)
	trunks, err := trunk.NewManager(dir, s.store, s.cfg.Allocator.TrunkSize)
	if err != nil {
		return nil, err
	}
	ix := index.New()

	bl, err := openBinlogFile(dir)
	if err != nil {
		return nil, err
	}

	gs := &groupState{group: group, index: ix, trunks: trunks, binlog: bl}
	gs.reclaim = trunk.NewReclaimer(trunks, ix, s.store, trunk.ReclaimConfig{
		Interval:            s.cfg.TrunkReclaim.Interval,
		SparsenessThreshold: s.cfg.TrunkReclaim.SparsenessThreshold,
	}, func(block types.BlockKey, slice types.SliceKey) (types.SliceVersion, error) {
		dv := gs.group.NextDataVersion()
		version := types.NewSliceVersion(int(group.ID%0x7fff), dv)
		rec := proto.NewSliceRecord(proto.OpWriteSlice, dv, proto.SourceReclaim, block, slice)
		if err := gs.binlog.append(rec); err != nil {
			return 0, err
		}
		return version, nil
	})

	s.mu.Lock()
	s.groups[group.ID] = gs
	s.mu.Unlock()
	return gs, nil
}

func (s *Server) group(id uint32) (*groupState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gs, ok := s.groups[id]
	if !ok {
		return nil, ferr.New(ferr.NotFound, "engine.group", fmt.Errorf("data group %d not hosted here", id))
	}
	return gs, nil
}

// StartReclaimers starts every registered group's background trunk
// reclaimer, stopping when ctx is canceled.
func (s *Server) StartReclaimers(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, gs := range s.groups {
		gs.reclaim.Start(ctx)
	}
}

// WriteSlice commits one slice write to the data group owning block,
// allocating trunk space, updating the index, appending the binlog
// record, and fanning the record out to slaves when src is client
// traffic.
func (s *Server) WriteSlice(ctx context.Context, groupID uint32, block types.BlockKey, slice types.SliceKey, data []byte, src proto.Source) (types.SliceVersion, error) {
	gs, err := s.group(groupID)
	if err != nil {
		return 0, err
	}

	tf, offset, err := s.reserveSpace(gs, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := gs.trunks.WriteAt(tf.ID, offset, data); err != nil {
		return 0, ferr.New(ferr.Invalid, "engine.WriteSlice", err)
	}

	dv := gs.group.NextDataVersion()
	version := types.NewSliceVersion(int(groupID%0x7fff), dv)

	entry := &types.OBSliceEntry{Block: block, Slice: slice, Version: version, Space: types.TrunkSpaceInfo{TrunkID: tf.ID, Offset: offset, Size: uint32(len(data))}}
	displaced := gs.index.AddSlice(block, entry)
	for _, d := range displaced {
		if old, err := gs.trunks.Get(d.Space.TrunkID); err == nil {
			old.UntrackLive(d)
		}
	}
	tf.TrackLive(entry)

	rec := proto.NewSliceRecord(proto.OpWriteSlice, dv, src, block, slice)
	if err := gs.binlog.append(rec); err != nil {
		return 0, ferr.New(ferr.Invalid, "engine.WriteSlice", err)
	}

	if src == proto.SourceRPC {
		if err := s.pipeline.Replicate(ctx, gs.group, rec); err != nil && !ferr.Recoverable(err) {
			s.logger.Error().Err(err).Msg("replicate write failed")
		}
	}

	return version, nil
}

func (s *Server) reserveSpace(gs *groupState, size uint32) (*types.TrunkFile, uint64, error) {
	for _, tf := range gs.trunks.AllTrunks() {
		if off, ok := tf.Reserve(size); ok {
			return tf, off, nil
		}
	}
	tf, err := gs.trunks.CreateTrunk()
	if err != nil {
		return nil, 0, ferr.New(ferr.ResourceExhausted, "engine.reserveSpace", err)
	}
	off, ok := tf.Reserve(size)
	if !ok {
		return nil, 0, ferr.New(ferr.Overflow, "engine.reserveSpace", fmt.Errorf("slice of %d bytes exceeds trunk capacity", size))
	}
	return tf, off, nil
}

// ReadSlice reads back the bytes written for one slice, or the
// narrowest covering set of slices on a partial overlap.
func (s *Server) ReadSlice(ctx context.Context, groupID uint32, block types.BlockKey, slice types.SliceKey) ([]byte, error) {
	gs, err := s.group(groupID)
	if err != nil {
		return nil, err
	}
	ob, err := gs.index.Get(block)
	if err != nil {
		return nil, err
	}
	hits := ob.Read(slice.Offset, slice.Length)
	if len(hits) == 0 {
		return nil, ferr.New(ferr.NotFound, "engine.ReadSlice", fmt.Errorf("no data for %s[%d:%d]", block, slice.Offset, slice.End()))
	}
	out := make([]byte, 0, slice.Length)
	for _, h := range hits {
		data, err := gs.trunks.ReadAt(h.Space.TrunkID, h.Space.Offset, h.Space.Size)
		if err != nil {
			return nil, ferr.New(ferr.Invalid, "engine.ReadSlice", err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// DeleteBlock drops every slice of block from the data group owning it.
func (s *Server) DeleteBlock(ctx context.Context, groupID uint32, block types.BlockKey, src proto.Source) error {
	gs, err := s.group(groupID)
	if err != nil {
		return err
	}
	gs.index.DeleteBlock(block)
	dv := gs.group.NextDataVersion()
	rec := proto.NewBlockRecord(proto.OpDelBlock, dv, src, block)
	if err := gs.binlog.append(rec); err != nil {
		return ferr.New(ferr.Invalid, "engine.DeleteBlock", err)
	}
	if src == proto.SourceRPC {
		if err := s.pipeline.Replicate(ctx, gs.group, rec); err != nil && !ferr.Recoverable(err) {
			s.logger.Error().Err(err).Msg("replicate delete failed")
		}
	}
	return nil
}
