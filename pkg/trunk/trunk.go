// Package trunk manages the physical trunk files that back the object
// block index: allocating space within them, and reclaiming sparse
// trunks in the background by copying their still-live slices into a
// fresh trunk.
package trunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/storage"
	"github.com/cuemby/faststore/pkg/types"
)

// Manager owns every trunk file for one data path: creation, space
// reservation, and the file handles backing reads and writes.
type Manager struct {
	mu       sync.RWMutex
	dataPath string
	store    *storage.Store
	trunks   map[uint32]*types.TrunkFile
	files    map[uint32]*os.File
	nextID   uint32
	trunkSize uint64
}

// NewManager opens (or creates) dataPath/trunks and loads any persisted
// trunk descriptors from store.
func NewManager(dataPath string, store *storage.Store, trunkSize uint64) (*Manager, error) {
	dir := filepath.Join(dataPath, "trunks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trunk: create trunk dir: %w", err)
	}

	m := &Manager{
		dataPath:  dataPath,
		store:     store,
		trunks:    make(map[uint32]*types.TrunkFile),
		files:     make(map[uint32]*os.File),
		trunkSize: trunkSize,
	}

	recs, err := store.ListTrunks()
	if err != nil {
		return nil, fmt.Errorf("trunk: list persisted trunks: %w", err)
	}
	for _, rec := range recs {
		tf := types.NewTrunkFile(rec.ID, rec.Path, rec.Capacity)
		if rec.Used > 0 {
			tf.Reserve(uint32(rec.Used)) // replay the high-water mark to restore write_offset
		}
		m.trunks[rec.ID] = tf
		f, err := os.OpenFile(rec.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("trunk: open %s: %w", rec.Path, err)
		}
		m.files[rec.ID] = f
		if rec.ID >= m.nextID {
			m.nextID = rec.ID + 1
		}
	}

	return m, nil
}

// CreateTrunk allocates a new, empty trunk file.
func (m *Manager) CreateTrunk() (*types.TrunkFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	path := filepath.Join(m.dataPath, "trunks", fmt.Sprintf("trunk.%d", id))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trunk: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(m.trunkSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("trunk: truncate %s: %w", path, err)
	}

	tf := types.NewTrunkFile(id, path, m.trunkSize)
	m.trunks[id] = tf
	m.files[id] = f

	if err := m.store.PutTrunk(&storage.TrunkRecord{ID: id, Path: path, Capacity: m.trunkSize}); err != nil {
		return nil, fmt.Errorf("trunk: persist descriptor: %w", err)
	}
	return tf, nil
}

// Get returns a trunk by id.
func (m *Manager) Get(id uint32) (*types.TrunkFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tf, ok := m.trunks[id]
	if !ok {
		return nil, ferr.New(ferr.NotFound, "trunk.Get", fmt.Errorf("trunk %d", id))
	}
	return tf, nil
}

// WriteAt writes data into trunkID at offset, used after Reserve has
// already claimed the space.
func (m *Manager) WriteAt(trunkID uint32, offset uint64, data []byte) error {
	m.mu.RLock()
	f, ok := m.files[trunkID]
	m.mu.RUnlock()
	if !ok {
		return ferr.New(ferr.NotFound, "trunk.WriteAt", fmt.Errorf("trunk %d", trunkID))
	}
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return ferr.New(ferr.Transport, "trunk.WriteAt", err)
	}
	return nil
}

// ReadAt reads size bytes from trunkID at offset.
func (m *Manager) ReadAt(trunkID uint32, offset uint64, size uint32) ([]byte, error) {
	m.mu.RLock()
	f, ok := m.files[trunkID]
	m.mu.RUnlock()
	if !ok {
		return nil, ferr.New(ferr.NotFound, "trunk.ReadAt", fmt.Errorf("trunk %d", trunkID))
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, ferr.New(ferr.Transport, "trunk.ReadAt", err)
	}
	return buf, nil
}

// AllTrunks returns a snapshot of every managed trunk.
func (m *Manager) AllTrunks() []*types.TrunkFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.TrunkFile, 0, len(m.trunks))
	for _, tf := range m.trunks {
		out = append(out, tf)
	}
	return out
}

// Remove deletes a trunk file from disk and forgets it, called by the
// reclaimer once every live slice has been copied out.
func (m *Manager) Remove(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return ferr.New(ferr.NotFound, "trunk.Remove", fmt.Errorf("trunk %d", id))
	}
	path := f.Name()
	f.Close()
	delete(m.files, id)
	delete(m.trunks, id)
	return os.Remove(path)
}
