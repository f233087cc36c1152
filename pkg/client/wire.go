package client

import (
	"encoding/binary"

	"github.com/cuemby/faststore/pkg/types"
)

// marshalWriteRequest packs a CmdWrite body: groupID + block + slice
// offset + raw bytes, mirroring the server's wire decoder.
func marshalWriteRequest(groupID uint32, block types.BlockKey, sliceOffset uint32, data []byte) []byte {
	out := make([]byte, 4+8+8+4+len(data))
	binary.BigEndian.PutUint32(out[0:4], groupID)
	binary.BigEndian.PutUint64(out[4:12], block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], block.BlockOffset)
	binary.BigEndian.PutUint32(out[20:24], sliceOffset)
	copy(out[24:], data)
	return out
}

func marshalReadRequest(groupID uint32, block types.BlockKey, slice types.SliceKey) []byte {
	out := make([]byte, 4+8+8+4+4)
	binary.BigEndian.PutUint32(out[0:4], groupID)
	binary.BigEndian.PutUint64(out[4:12], block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], block.BlockOffset)
	binary.BigEndian.PutUint32(out[20:24], slice.Offset)
	binary.BigEndian.PutUint32(out[24:28], slice.Length)
	return out
}

func marshalDeleteRequest(groupID uint32, block types.BlockKey) []byte {
	out := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(out[0:4], groupID)
	binary.BigEndian.PutUint64(out[4:12], block.ObjectID)
	binary.BigEndian.PutUint64(out[12:20], block.BlockOffset)
	return out
}
