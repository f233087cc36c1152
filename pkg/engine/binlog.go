package engine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/faststore/pkg/proto"
)

// binlogFile is one data group's append-only binlog, serialized by a
// single mutex since every writer is already funneled through the
// group's own write path.
type binlogFile struct {
	mu sync.Mutex
	f  *os.File
}

func openBinlogFile(dir string) (*binlogFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "binlog.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &binlogFile{f: f}, nil
}

func (b *binlogFile) append(rec *proto.BinlogRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return proto.WriteBinlogRecord(b.f, rec)
}

func (b *binlogFile) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
