package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/recovery"
	"github.com/cuemby/faststore/pkg/types"
)

// ApplyForGroup builds a recovery.ApplyFunc bound to one data group: it
// commits a deduplicated replay task straight into the local trunk and
// index without touching the replication pipeline or minting a fresh
// data_version, since the task already carries the one its original
// master assigned.
func (s *Server) ApplyForGroup(groupID uint32) recovery.ApplyFunc {
	return func(ctx context.Context, task recovery.ReplayTask) error {
		gs, err := s.group(groupID)
		if err != nil {
			return err
		}
		return s.applyToGroup(gs, task)
	}
}

// applyToGroup commits one deduplicated replay task straight into a
// known group's trunk and index, shared by recovery replay and by the
// inbound replicate handler applying a master's record.
func (s *Server) applyToGroup(gs *groupState, task recovery.ReplayTask) error {
	switch task.Op {
	case proto.OpWriteSlice, proto.OpAllocSlice:
		tf, offset, err := s.reserveSpace(gs, uint32(len(task.Payload)))
		if err != nil {
			return err
		}
		if err := gs.trunks.WriteAt(tf.ID, offset, task.Payload); err != nil {
			return err
		}
		version := types.NewSliceVersion(0, task.DataVersion)
		entry := &types.OBSliceEntry{
			Block:   task.Block,
			Slice:   task.Slice,
			Version: version,
			Space:   types.TrunkSpaceInfo{TrunkID: tf.ID, Offset: offset, Size: uint32(len(task.Payload))},
		}
		displaced := gs.index.AddSlice(task.Block, entry)
		for _, d := range displaced {
			if old, err := gs.trunks.Get(d.Space.TrunkID); err == nil {
				old.UntrackLive(d)
			}
		}
		tf.TrackLive(entry)

	case proto.OpDelBlock:
		gs.index.DeleteBlock(task.Block)

	case proto.OpDelSlice:
		// A tombstone task's only job was to cancel an overlapping write
		// during dedup; nothing further needs to happen here.
	}

	gs.group.ObserveDataVersion(task.DataVersion)
	return nil
}

// replicatedTask converts one inbound replicate record plus its carried
// payload into the same ReplayTask shape recovery replay applies,
// so a single apply path serves both.
func replicatedTask(rec *proto.BinlogRecord, payload []byte) recovery.ReplayTask {
	return recovery.ReplayTask{
		Op:          rec.OpType,
		Block:       rec.Block,
		Slice:       rec.Slice,
		DataVersion: rec.DataVersion,
		Payload:     payload,
	}
}

// NoOpForGroup builds a recovery.NoOpFunc bound to one data group: it
// appends a NO_OP record closing the gap between the driver's last
// replayed data_version and the group's current one.
func (s *Server) NoOpForGroup(groupID uint32) recovery.NoOpFunc {
	return func(ctx context.Context, group *types.DataGroup, dataVersion uint64) error {
		gs, err := s.group(groupID)
		if err != nil {
			return err
		}
		rec := proto.NewBlockRecord(proto.OpNoOp, dataVersion, proto.SourceReplay, types.BlockKey{})
		return gs.binlog.append(rec)
	}
}

// LocalFetch builds a recovery.FetchFunc serving a catch-up reader
// directly from this server's own binlog and current index state. It
// reconstructs payload bytes from the block's *current* live slices
// rather than a true historical log: a write record whose range has
// since been overwritten or relocated gets the bytes stored there now,
// and one whose bytes can no longer be read (e.g. its block was
// deleted) gets no payload entry.
func (s *Server) LocalFetch(groupID uint32) recovery.FetchFunc {
	return func(ctx context.Context, group *types.DataGroup, from uint64, binlogDest, payloadDest *os.File) (int64, uint64, error) {
		gs, err := s.group(groupID)
		if err != nil {
			return 0, from, err
		}

		f, err := os.Open(gs.binlog.f.Name())
		if err != nil {
			return 0, from, err
		}
		defer f.Close()

		var written int64
		lastDV := from
		pw := recovery.NewPayloadWriter(payloadDest)
		sc := proto.NewBinlogScanner(bufio.NewReader(f))
		for sc.Scan() {
			rec := sc.Record()
			if rec.DataVersion <= from {
				continue
			}
			if err := proto.WriteBinlogRecord(binlogDest, rec); err != nil {
				return written, lastDV, err
			}
			written += int64(len(rec.Marshal()) + 1)
			if rec.DataVersion > lastDV {
				lastDV = rec.DataVersion
			}
			if rec.OpType == proto.OpWriteSlice || rec.OpType == proto.OpAllocSlice {
				data, err := s.ReadSlice(ctx, groupID, rec.Block, rec.Slice)
				if err != nil {
					continue
				}
				if err := pw.Append(rec.DataVersion, data); err != nil {
					return written, lastDV, err
				}
			}
		}
		if err := sc.Err(); err != nil {
			return written, lastDV, fmt.Errorf("engine.LocalFetch: %w", err)
		}
		return written, lastDV, nil
	}
}
