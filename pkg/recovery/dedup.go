package recovery

import (
	"fmt"
	"io"

	"github.com/cuemby/faststore/pkg/index"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

func errMismatchedPayload(want, got uint64) error {
	return fmt.Errorf("recovery: payload stream out of sync, binlog wants data_version %d, payload has %d", want, got)
}

// sentinel trunk IDs used only within a dedup pass's scratch index; they
// never reach the live trunk manager.
const (
	stagingTrunkID   uint32 = ^uint32(0)
	tombstoneTrunkID uint32 = ^uint32(0) - 1
)

// ReplayTask is one surviving operation for the REPLAY stage to apply,
// already deduplicated so that replay cost is proportional to final
// state rather than to binlog length.
type ReplayTask struct {
	Op          proto.OpType
	Block       types.BlockKey
	Slice       types.SliceKey
	DataVersion uint64
	Payload     []byte // set for write/alloc tasks, nil for deletes
}

// Dedup reads a fetched binlog range and its paired payload stream,
// collapsing overwritten slices with the same last-write-wins logic the
// live object-block index uses. Every write's payload is copied into
// staging in binlog order, and the bytes of the surviving writes are
// then read back from staging into their tasks. It returns the ordered
// set of tasks REPLAY must apply.
func Dedup(binlogR io.Reader, payloadR io.Reader, staging io.ReadWriteSeeker) ([]ReplayTask, error) {
	ix := index.New()
	pr := NewPayloadReader(payloadR)
	scanner := proto.NewBinlogScanner(binlogR)

	var stagingOffset int64

	for scanner.Scan() {
		rec := scanner.Record()

		switch rec.OpType {
		case proto.OpNoOp:
			continue
		case proto.OpDelBlock:
			ix.DeleteBlock(rec.Block)
			continue
		case proto.OpDelSlice:
			ix.AddSlice(rec.Block, &types.OBSliceEntry{
				Block:   rec.Block,
				Slice:   rec.Slice,
				Version: types.SliceVersion(rec.DataVersion),
				Space:   types.TrunkSpaceInfo{TrunkID: tombstoneTrunkID},
			})
		case proto.OpWriteSlice, proto.OpAllocSlice:
			dv, payload, err := pr.Next()
			if err != nil {
				return nil, err
			}
			if dv != rec.DataVersion {
				return nil, errMismatchedPayload(rec.DataVersion, dv)
			}
			if _, err := staging.Write(payload); err != nil {
				return nil, err
			}
			ix.AddSlice(rec.Block, &types.OBSliceEntry{
				Block:   rec.Block,
				Slice:   rec.Slice,
				Version: types.SliceVersion(rec.DataVersion),
				Space:   types.TrunkSpaceInfo{TrunkID: stagingTrunkID, Offset: uint64(stagingOffset), Size: uint32(len(payload))},
			})
			stagingOffset += int64(len(payload))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var tasks []ReplayTask
	var walkErr error
	ix.Ascend(func(entry *types.OBEntry) bool {
		block := entry.Key
		for _, s := range entry.Snapshot() {
			if s.Space.TrunkID == tombstoneTrunkID {
				tasks = append(tasks, ReplayTask{
					Op:          proto.OpDelSlice,
					Block:       block,
					Slice:       s.Slice,
					DataVersion: uint64(s.Version),
				})
				continue
			}

			data := make([]byte, s.Space.Size)
			if _, err := staging.Seek(int64(s.Space.Offset), io.SeekStart); err != nil {
				walkErr = err
				return false
			}
			if _, err := io.ReadFull(staging, data); err != nil {
				walkErr = err
				return false
			}
			tasks = append(tasks, ReplayTask{
				Op:          proto.OpWriteSlice,
				Block:       block,
				Slice:       s.Slice,
				DataVersion: uint64(s.Version),
				Payload:     data,
			})
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}

	return tasks, nil
}
