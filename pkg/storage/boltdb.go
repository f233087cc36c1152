// Package storage persists the metadata that must survive a process
// restart: trunk file descriptors, per-data-group recovery checkpoints,
// and each data group's last known master. Slice data itself lives in trunk files
// on disk, not here; this is bookkeeping only.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/faststore/pkg/ferr"
)

var (
	bucketTrunks      = []byte("trunks")
	bucketCheckpoints = []byte("recovery_checkpoints")
	bucketDataGroups  = []byte("data_groups")
)

// TrunkRecord is the persisted form of a trunk file's allocator state.
type TrunkRecord struct {
	ID       uint32 `json:"id"`
	Path     string `json:"path"`
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
}

// CheckpointRecord is the persisted form of a data group's replay
// progress. The recovery driver does not read it; it keeps its own
// stage file.
type CheckpointRecord struct {
	DataGroupID uint32 `json:"data_group_id"`
	DataVersion uint64 `json:"data_version"`
	BinlogOffset int64 `json:"binlog_offset"`
}

// DataGroupRecord is the persisted form of a data group's last known
// master, used to seed DataGroup.SetMaster before the heartbeat module
// reports live status.
type DataGroupRecord struct {
	ID       uint32 `json:"id"`
	MasterID uint32 `json:"master_id"`
}

// Store is FastStore's embedded metadata store, backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the metadata database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "faststore.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTrunks, bucketCheckpoints, bucketDataGroups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func trunkKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// PutTrunk upserts a trunk's descriptor.
func (s *Store) PutTrunk(rec *TrunkRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTrunks).Put(trunkKey(rec.ID), data)
	})
}

// GetTrunk reads one trunk's descriptor.
func (s *Store) GetTrunk(id uint32) (*TrunkRecord, error) {
	var rec TrunkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTrunks).Get(trunkKey(id))
		if data == nil {
			return ferr.New(ferr.NotFound, "storage.GetTrunk", fmt.Errorf("trunk %d", id))
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTrunks returns every persisted trunk descriptor.
func (s *Store) ListTrunks() ([]*TrunkRecord, error) {
	var out []*TrunkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrunks).ForEach(func(_, v []byte) error {
			var rec TrunkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

func dataGroupKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// PutCheckpoint records replay progress for a data group, replacing any
// earlier record for that group.
func (s *Store) PutCheckpoint(rec *CheckpointRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpoints).Put(dataGroupKey(rec.DataGroupID), data)
	})
}

// GetCheckpoint reads the last recorded replay progress for a data
// group, or ferr.NotFound if none was ever recorded (a cold start).
func (s *Store) GetCheckpoint(dataGroupID uint32) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get(dataGroupKey(dataGroupID))
		if data == nil {
			return ferr.New(ferr.NotFound, "storage.GetCheckpoint", fmt.Errorf("data group %d", dataGroupID))
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutDataGroup persists a data group's last known master, consulted at
// startup before the heartbeat module reports live membership.
func (s *Store) PutDataGroup(rec *DataGroupRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDataGroups).Put(dataGroupKey(rec.ID), data)
	})
}

// GetDataGroup reads a data group's persisted record.
func (s *Store) GetDataGroup(id uint32) (*DataGroupRecord, error) {
	var rec DataGroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDataGroups).Get(dataGroupKey(id))
		if data == nil {
			return ferr.New(ferr.NotFound, "storage.GetDataGroup", fmt.Errorf("data group %d", id))
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDataGroups returns every persisted data group record.
func (s *Store) ListDataGroups() ([]*DataGroupRecord, error) {
	var out []*DataGroupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataGroups).ForEach(func(_, v []byte) error {
			var rec DataGroupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}
