package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/faststore/pkg/types"
)

// OpType is a binlog record's operation, one ASCII byte on the wire.
type OpType byte

const (
	OpWriteSlice OpType = 'w'
	OpAllocSlice OpType = 'a'
	OpDelSlice   OpType = 'd'
	OpDelBlock   OpType = 'D'
	OpNoOp       OpType = 'N'
)

func (t OpType) Valid() bool {
	switch t {
	case OpWriteSlice, OpAllocSlice, OpDelSlice, OpDelBlock, OpNoOp:
		return true
	default:
		return false
	}
}

// Source marks where a binlog record originated.
type Source byte

const (
	SourceRPC     Source = 'C' // by direct user call
	SourceReplay  Source = 'R' // by binlog replay during recovery
	SourceReclaim Source = 'G' // by the trunk reclaimer migrating a live slice
)

// BinlogRecord is one line of a data group's binlog:
//
//	<timestamp> <data_version> <source> <op_type> <oid> <block_offset> [<slice_offset> <slice_length>]
//
// slice_offset/slice_length are present only for w/a/d record kinds.
type BinlogRecord struct {
	Timestamp   time.Time
	DataVersion uint64
	Source      Source
	OpType      OpType
	Block       types.BlockKey
	Slice       types.SliceKey
	hasSlice    bool
}

// IsInternal reports whether the record is a housekeeping entry: a
// NO_OP, or any record with a zero data version. The recovery dedup
// stage does not consult it; it drops NO_OP records and handles every
// other record by its op type.
func (r *BinlogRecord) IsInternal() bool {
	return r.OpType == OpNoOp || r.DataVersion == 0
}

// HasSlice reports whether Slice is meaningful for this record's OpType.
func (r *BinlogRecord) HasSlice() bool { return r.hasSlice }

// NewSliceRecord builds a w/a/d record carrying slice bounds.
func NewSliceRecord(op OpType, dataVersion uint64, src Source, block types.BlockKey, slice types.SliceKey) *BinlogRecord {
	return &BinlogRecord{
		Timestamp:   time.Now(),
		DataVersion: dataVersion,
		Source:      src,
		OpType:      op,
		Block:       block,
		Slice:       slice,
		hasSlice:    true,
	}
}

// NewBlockRecord builds a D (delete whole block) or N (no-op) record.
func NewBlockRecord(op OpType, dataVersion uint64, src Source, block types.BlockKey) *BinlogRecord {
	return &BinlogRecord{
		Timestamp:   time.Now(),
		DataVersion: dataVersion,
		Source:      src,
		OpType:      op,
		Block:       block,
	}
}

// Marshal renders the record in the text binlog line format.
func (r *BinlogRecord) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d %c %c %d %d", r.Timestamp.Unix(), r.DataVersion,
		r.Source, r.OpType, r.Block.ObjectID, r.Block.BlockOffset)
	if r.hasSlice {
		fmt.Fprintf(&b, " %d %d", r.Slice.Offset, r.Slice.Length)
	}
	return b.String()
}

// ParseBinlogLine parses one binlog text line into a BinlogRecord.
func ParseBinlogLine(line string) (*BinlogRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 && len(fields) != 8 {
		return nil, fmt.Errorf("proto: binlog line has %d fields, want 6 or 8", len(fields))
	}

	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("proto: binlog timestamp: %w", err)
	}
	dv, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("proto: binlog data_version: %w", err)
	}
	if len(fields[2]) != 1 {
		return nil, fmt.Errorf("proto: binlog source must be one byte, got %q", fields[2])
	}
	if len(fields[3]) != 1 {
		return nil, fmt.Errorf("proto: binlog op_type must be one byte, got %q", fields[3])
	}
	oid, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("proto: binlog oid: %w", err)
	}
	blockOffset, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("proto: binlog block_offset: %w", err)
	}

	r := &BinlogRecord{
		Timestamp:   time.Unix(ts, 0).UTC(),
		DataVersion: dv,
		Source:      Source(fields[2][0]),
		OpType:      OpType(fields[3][0]),
		Block:       types.BlockKey{ObjectID: oid, BlockOffset: blockOffset},
	}
	if !r.OpType.Valid() {
		return nil, fmt.Errorf("proto: unknown op_type %q", fields[3])
	}

	if len(fields) == 8 {
		sliceOffset, err := strconv.ParseUint(fields[6], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("proto: binlog slice_offset: %w", err)
		}
		sliceLength, err := strconv.ParseUint(fields[7], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("proto: binlog slice_length: %w", err)
		}
		r.Slice = types.SliceKey{Offset: uint32(sliceOffset), Length: uint32(sliceLength)}
		r.hasSlice = true
	}

	return r, nil
}

// WriteBinlogRecord appends one record line (newline-terminated) to w.
func WriteBinlogRecord(w io.Writer, r *BinlogRecord) error {
	_, err := io.WriteString(w, r.Marshal()+"\n")
	return err
}

// BinlogScanner reads successive binlog records from a stream, skipping
// blank lines, used by the recovery DEDUP stage and by the engine's
// local FETCH source.
type BinlogScanner struct {
	sc  *bufio.Scanner
	cur *BinlogRecord
	err error
}

// NewBinlogScanner wraps r for line-at-a-time binlog record scanning.
func NewBinlogScanner(r io.Reader) *BinlogScanner {
	return &BinlogScanner{sc: bufio.NewScanner(r)}
}

// Scan advances to the next record, returning false at EOF or on a
// parse error (check Err after Scan returns false).
func (s *BinlogScanner) Scan() bool {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			continue
		}
		rec, err := ParseBinlogLine(line)
		if err != nil {
			s.err = err
			return false
		}
		s.cur = rec
		return true
	}
	s.err = s.sc.Err()
	return false
}

// Record returns the record most recently produced by Scan.
func (s *BinlogScanner) Record() *BinlogRecord { return s.cur }

// Err returns the first error encountered, if any.
func (s *BinlogScanner) Err() error { return s.err }
