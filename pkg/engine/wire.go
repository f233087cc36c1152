package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/types"
)

// writeRequest is the body of a CmdWrite frame: groupID + block + slice
// offset + the raw bytes to write. Length is implied by the remainder
// of the frame body.
type writeRequest struct {
	GroupID     uint32
	Block       types.BlockKey
	SliceOffset uint32
	Data        []byte
}

func (r *writeRequest) marshal() []byte {
	out := make([]byte, 4+8+8+4+len(r.Data))
	binary.BigEndian.PutUint32(out[0:4], r.GroupID)
	binary.BigEndian.PutUint64(out[4:12], r.Block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], r.Block.BlockOffset)
	binary.BigEndian.PutUint32(out[20:24], r.SliceOffset)
	copy(out[24:], r.Data)
	return out
}

func unmarshalWriteRequest(body []byte) (*writeRequest, error) {
	if len(body) < 24 {
		return nil, fmt.Errorf("engine: write request too short")
	}
	return &writeRequest{
		GroupID:     binary.BigEndian.Uint32(body[0:4]),
		Block:       types.BlockKey{ObjectID: binary.BigEndian.Uint64(body[4:12]), BlockOffset: binary.BigEndian.Uint64(body[12:20])},
		SliceOffset: binary.BigEndian.Uint32(body[20:24]),
		Data:        body[24:],
	}, nil
}

// sliceKey derives the slice range a write request covers: its length
// is always implied by the carried data rather than sent separately.
func (r *writeRequest) sliceKey() types.SliceKey {
	return types.SliceKey{Offset: r.SliceOffset, Length: uint32(len(r.Data))}
}

// readRequest is the body of a CmdRead frame.
type readRequest struct {
	GroupID uint32
	Block   types.BlockKey
	Slice   types.SliceKey
}

func (r *readRequest) marshal() []byte {
	out := make([]byte, 4+8+8+4+4)
	binary.BigEndian.PutUint32(out[0:4], r.GroupID)
	binary.BigEndian.PutUint64(out[4:12], r.Block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], r.Block.BlockOffset)
	binary.BigEndian.PutUint32(out[20:24], r.Slice.Offset)
	binary.BigEndian.PutUint32(out[24:28], r.Slice.Length)
	return out
}

func unmarshalReadRequest(body []byte) (*readRequest, error) {
	if len(body) != 28 {
		return nil, fmt.Errorf("engine: read request must be 28 bytes, got %d", len(body))
	}
	return &readRequest{
		GroupID: binary.BigEndian.Uint32(body[0:4]),
		Block:   types.BlockKey{ObjectID: binary.BigEndian.Uint64(body[4:12]), BlockOffset: binary.BigEndian.Uint64(body[12:20])},
		Slice:   types.SliceKey{Offset: binary.BigEndian.Uint32(body[20:24]), Length: binary.BigEndian.Uint32(body[24:28])},
	}, nil
}

// deleteRequest is the body of a CmdDelete frame; it names a whole
// block and carries no slice range.
type deleteRequest struct {
	GroupID uint32
	Block   types.BlockKey
}

func (r *deleteRequest) marshal() []byte {
	out := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(out[0:4], r.GroupID)
	binary.BigEndian.PutUint64(out[4:12], r.Block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], r.Block.BlockOffset)
	return out
}

func unmarshalDeleteRequest(body []byte) (*deleteRequest, error) {
	if len(body) != 20 {
		return nil, fmt.Errorf("engine: delete request must be 20 bytes, got %d", len(body))
	}
	return &deleteRequest{
		GroupID: binary.BigEndian.Uint32(body[0:4]),
		Block:   types.BlockKey{ObjectID: binary.BigEndian.Uint64(body[4:12]), BlockOffset: binary.BigEndian.Uint64(body[12:20])},
	}, nil
}

// marshalReplicateBody packs groupID, one binlog record line and its
// carried payload bytes (if any) into a single CmdReplicate frame body.
func marshalReplicateBody(groupID uint32, rec *proto.BinlogRecord, payload []byte) []byte {
	line := rec.Marshal()
	out := make([]byte, 4+4+len(line)+4+len(payload))
	binary.BigEndian.PutUint32(out[0:4], groupID)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(line)))
	copy(out[8:8+len(line)], line)
	off := 8 + len(line)
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(payload)))
	copy(out[off+4:], payload)
	return out
}

func unmarshalReplicateBody(body []byte) (groupID uint32, rec *proto.BinlogRecord, payload []byte, err error) {
	if len(body) < 8 {
		return 0, nil, nil, fmt.Errorf("engine: replicate body too short")
	}
	groupID = binary.BigEndian.Uint32(body[0:4])
	lineLen := binary.BigEndian.Uint32(body[4:8])
	if uint32(len(body)) < 8+lineLen+4 {
		return 0, nil, nil, fmt.Errorf("engine: replicate body truncated")
	}
	line := string(body[8 : 8+lineLen])
	rec, err = proto.ParseBinlogLine(line)
	if err != nil {
		return 0, nil, nil, err
	}
	off := 8 + lineLen
	payloadLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	if uint32(len(body)) < off+payloadLen {
		return 0, nil, nil, fmt.Errorf("engine: replicate payload truncated")
	}
	payload = body[off : off+payloadLen]
	return groupID, rec, payload, nil
}

// marshalFetchRequest packs a CmdFetchBinlog request.
func marshalFetchRequest(groupID uint32, fromDataVersion uint64) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], groupID)
	binary.BigEndian.PutUint64(out[4:12], fromDataVersion)
	return out
}

func unmarshalFetchRequest(body []byte) (groupID uint32, from uint64, err error) {
	if len(body) != 12 {
		return 0, 0, fmt.Errorf("engine: fetch request must be 12 bytes, got %d", len(body))
	}
	return binary.BigEndian.Uint32(body[0:4]), binary.BigEndian.Uint64(body[4:12]), nil
}

// marshalFetchResponse packs a CmdFetchBinlog reply: the highest
// data_version seen plus the raw binlog and payload-blob byte streams.
func marshalFetchResponse(lastDataVersion uint64, binlog, payload []byte) []byte {
	out := make([]byte, 8+4+len(binlog)+4+len(payload))
	binary.BigEndian.PutUint64(out[0:8], lastDataVersion)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(binlog)))
	copy(out[12:12+len(binlog)], binlog)
	off := 12 + len(binlog)
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(payload)))
	copy(out[off+4:], payload)
	return out
}

func unmarshalFetchResponse(body []byte) (lastDataVersion uint64, binlog, payload []byte, err error) {
	if len(body) < 12 {
		return 0, nil, nil, fmt.Errorf("engine: fetch response too short")
	}
	lastDataVersion = binary.BigEndian.Uint64(body[0:8])
	binlogLen := binary.BigEndian.Uint32(body[8:12])
	if uint32(len(body)) < 12+binlogLen+4 {
		return 0, nil, nil, fmt.Errorf("engine: fetch response truncated")
	}
	binlog = body[12 : 12+binlogLen]
	off := 12 + binlogLen
	payloadLen := binary.BigEndian.Uint32(body[off : off+4])
	off += 4
	if uint32(len(body)) < off+payloadLen {
		return 0, nil, nil, fmt.Errorf("engine: fetch response payload truncated")
	}
	payload = body[off : off+payloadLen]
	return lastDataVersion, binlog, payload, nil
}
