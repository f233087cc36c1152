package engine

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/proto"
)

const maxFrameBody = 64 << 20

// Serve accepts connections on ln until ctx is canceled, handling each
// on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := proto.ReadFrame(conn, maxFrameBody)
		if err != nil {
			if err != io.EOF {
				log.Errorf("engine.handleConn: read frame", err)
			}
			return
		}
		reply := s.dispatch(ctx, frame)
		if err := proto.WriteFrame(conn, reply); err != nil {
			log.Errorf("engine.handleConn: write reply", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, f *proto.Frame) *proto.Frame {
	switch f.Cmd {
	case proto.CmdWrite:
		return s.handleWrite(ctx, f)
	case proto.CmdRead:
		return s.handleRead(ctx, f)
	case proto.CmdDelete:
		return s.handleDelete(ctx, f)
	case proto.CmdReplicate:
		return s.handleReplicate(ctx, f)
	case proto.CmdFetchBinlog:
		return s.handleFetchBinlog(ctx, f)
	default:
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusInvalid}
	}
}

func statusFor(err error) proto.Status {
	switch {
	case err == nil:
		return proto.StatusOK
	case ferr.Is(err, ferr.NotFound):
		return proto.StatusNotFound
	case ferr.Is(err, ferr.Busy):
		return proto.StatusBusy
	case ferr.Is(err, ferr.Overflow):
		return proto.StatusOverflow
	case ferr.Is(err, ferr.Invalid):
		return proto.StatusInvalid
	case ferr.Is(err, ferr.ResourceExhausted):
		return proto.StatusResourceExhausted
	case ferr.Is(err, ferr.PeerInactive):
		return proto.StatusPeerInactive
	default:
		return proto.StatusErr
	}
}

func (s *Server) handleWrite(ctx context.Context, f *proto.Frame) *proto.Frame {
	req, err := unmarshalWriteRequest(f.Body)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusInvalid}
	}
	_, err = s.WriteSlice(ctx, req.GroupID, req.Block, req.sliceKey(), req.Data, proto.SourceRPC)
	return &proto.Frame{Cmd: f.Cmd, Status: statusFor(err)}
}

func (s *Server) handleRead(ctx context.Context, f *proto.Frame) *proto.Frame {
	req, err := unmarshalReadRequest(f.Body)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusInvalid}
	}
	data, err := s.ReadSlice(ctx, req.GroupID, req.Block, req.Slice)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: statusFor(err)}
	}
	return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusOK, Body: data}
}

func (s *Server) handleDelete(ctx context.Context, f *proto.Frame) *proto.Frame {
	req, err := unmarshalDeleteRequest(f.Body)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusInvalid}
	}
	err = s.DeleteBlock(ctx, req.GroupID, req.Block, proto.SourceRPC)
	return &proto.Frame{Cmd: f.Cmd, Status: statusFor(err)}
}

// handleReplicate applies a master's fanned-out write or delete record
// directly, bypassing the write-combine path: the master has already
// assigned the data_version, so this server only needs to commit it
// and extend its own binlog with the same line.
func (s *Server) handleReplicate(ctx context.Context, f *proto.Frame) *proto.Frame {
	groupID, rec, payload, err := unmarshalReplicateBody(f.Body)
	if err != nil {
		return &proto.Frame{Cmd: proto.CmdReplicateAck, Status: proto.StatusInvalid}
	}
	gs, err := s.group(groupID)
	if err != nil {
		return &proto.Frame{Cmd: proto.CmdReplicateAck, Status: statusFor(err)}
	}

	err = s.applyToGroup(gs, replicatedTask(rec, payload))
	if err == nil {
		err = gs.binlog.append(rec)
	}
	return &proto.Frame{Cmd: proto.CmdReplicateAck, Status: statusFor(err)}
}

func (s *Server) handleFetchBinlog(ctx context.Context, f *proto.Frame) *proto.Frame {
	groupID, from, err := unmarshalFetchRequest(f.Body)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusInvalid}
	}
	gs, err := s.group(groupID)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: statusFor(err)}
	}

	binlogTmp, err := os.CreateTemp("", "faststore-fetch-binlog-*")
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusErr}
	}
	defer os.Remove(binlogTmp.Name())
	defer binlogTmp.Close()

	payloadTmp, err := os.CreateTemp("", "faststore-fetch-payload-*")
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusErr}
	}
	defer os.Remove(payloadTmp.Name())
	defer payloadTmp.Close()

	fetch := s.LocalFetch(groupID)
	_, lastDV, err := fetch(ctx, gs.group, from, binlogTmp, payloadTmp)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: statusFor(err)}
	}

	binlogBytes, err := readAllFrom(binlogTmp)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusErr}
	}
	payloadBytes, err := readAllFrom(payloadTmp)
	if err != nil {
		return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusErr}
	}

	return &proto.Frame{Cmd: f.Cmd, Status: proto.StatusOK, Body: marshalFetchResponse(lastDV, binlogBytes, payloadBytes)}
}

func readAllFrom(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
