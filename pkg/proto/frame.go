// Package proto implements FastStore's wire protocol: a fixed binary
// frame header used for every client and replication RPC, and the text
// binlog record format the replication and recovery pipelines exchange.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command identifies the operation carried by a frame.
type Command uint16

const (
	CmdUnknown Command = iota
	CmdWrite
	CmdAppend
	CmdRead
	CmdDelete
	CmdTruncate
	CmdReplicate   // master -> slave fan-out of a committed write
	CmdReplicateAck
	CmdFetchBinlog // recovery FETCH stage
	CmdSyncStatus  // topology notifier push
)

// Status is a frame's outcome code, set on replies only.
type Status uint16

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBusy
	StatusOverflow
	StatusInvalid
	StatusResourceExhausted
	StatusPeerInactive
	StatusErr
)

// HeaderSize is the fixed, on-wire byte length of a Frame header:
// cmd(2) + status(2) + body_len(4).
const HeaderSize = 8

// ErrShortBuffer signals a buffer too small to hold a header or the
// declared body.
var ErrShortBuffer = errors.New("proto: short buffer")

// Frame is one wire message: a fixed header followed by an opaque body
// whose structure depends on Cmd.
type Frame struct {
	Cmd    Command
	Status Status
	Body   []byte
}

// MarshalHeader writes the frame's header into out, which must be at
// least HeaderSize bytes.
func (f *Frame) MarshalHeader(out []byte) error {
	if len(out) < HeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint16(out[0:2], uint16(f.Cmd))
	binary.BigEndian.PutUint16(out[2:4], uint16(f.Status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(f.Body)))
	return nil
}

// UnmarshalHeader reads a frame's header from in, which must be at
// least HeaderSize bytes, returning the declared body length.
func (f *Frame) UnmarshalHeader(in []byte) (bodyLen uint32, err error) {
	if len(in) < HeaderSize {
		return 0, ErrShortBuffer
	}
	f.Cmd = Command(binary.BigEndian.Uint16(in[0:2]))
	f.Status = Status(binary.BigEndian.Uint16(in[2:4]))
	bodyLen = binary.BigEndian.Uint32(in[4:8])
	return bodyLen, nil
}

// WriteFrame writes the header then the body to w.
func WriteFrame(w io.Writer, f *Frame) error {
	var hdr [HeaderSize]byte
	if err := f.MarshalHeader(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. maxBody bounds the accepted body
// length to guard against a corrupt or hostile length field.
func ReadFrame(r io.Reader, maxBody uint32) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	f := &Frame{}
	bodyLen, err := f.UnmarshalHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if bodyLen > maxBody {
		return nil, fmt.Errorf("proto: body length %d exceeds max %d", bodyLen, maxBody)
	}
	if bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}
	return f, nil
}
