// Package recovery implements the per-data-group recovery driver: the
// FETCH -> DEDUP -> REPLAY -> CATCH_UP state machine that brings a
// restarted or newly-joined data server back in line with its group's
// master.
package recovery

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/cuemby/faststore/pkg/types"
)

// Stage identifies the recovery driver's current position in its state
// machine; it is the single byte persisted to the state file so a crash
// mid-recovery resumes without re-fetching.
type Stage byte

const (
	StageFetch   Stage = 'F'
	StageDedup   Stage = 'D'
	StageReplay  Stage = 'R'
	StageCatchUp Stage = 'C'
)

// CatchUpPhase tracks CATCH_UP's internal DOING -> LAST_BATCH -> DONE
// progression, driven by whether consecutive iterations are "fast
// enough".
type CatchUpPhase int

const (
	CatchUpDoing CatchUpPhase = iota
	CatchUpLastBatch
	CatchUpDone
)

func (p CatchUpPhase) String() string {
	switch p {
	case CatchUpDoing:
		return "doing"
	case CatchUpLastBatch:
		return "last_batch"
	case CatchUpDone:
		return "done"
	default:
		return "unknown"
	}
}

// StageRecord is the full persisted recovery-progress record for one
// data group.
type StageRecord struct {
	Stage           Stage
	LastDataVersion uint64
	LastBlock       types.BlockKey
	CatchUp         CatchUpPhase
}

// StageStore reads and writes a data group's recovery state file in the
// INI layout:
//
//	stage=<F|D|R|C>
//	[fetch]
//	last_data_version=<int>
//	last_bkey=<oid>,<offset>
//	[catch_up]
//	phase=<doing|last_batch|done>
type StageStore struct {
	path string
}

// NewStageStore wraps the state file at path (typically
// <data_path>/recovery/<group_id>/data_recovery.dat).
func NewStageStore(path string) *StageStore {
	return &StageStore{path: path}
}

// Load reads the persisted stage, or (nil, nil) if no state file exists
// yet — a cold start, which begins at FETCH.
func (s *StageStore) Load() (*StageRecord, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, nil
	}

	cfg, err := ini.Load(s.path)
	if err != nil {
		return nil, err
	}

	rec := &StageRecord{Stage: StageFetch}
	if s := cfg.Section("").Key("stage").String(); len(s) > 0 {
		rec.Stage = Stage(s[0])
	}

	fetch := cfg.Section("fetch")
	rec.LastDataVersion, _ = fetch.Key("last_data_version").Uint64()
	if bkey := fetch.Key("last_bkey").String(); bkey != "" {
		parts := strings.SplitN(bkey, ",", 2)
		if len(parts) == 2 {
			oid, oidErr := strconv.ParseUint(parts[0], 10, 64)
			off, offErr := strconv.ParseUint(parts[1], 10, 64)
			if oidErr == nil && offErr == nil {
				rec.LastBlock = types.BlockKey{ObjectID: oid, BlockOffset: off}
			}
		}
	}

	switch cfg.Section("catch_up").Key("phase").String() {
	case "last_batch":
		rec.CatchUp = CatchUpLastBatch
	case "done":
		rec.CatchUp = CatchUpDone
	default:
		rec.CatchUp = CatchUpDoing
	}

	return rec, nil
}

// Save persists rec, overwriting any previous state file.
func (s *StageStore) Save(rec *StageRecord) error {
	cfg := ini.Empty()
	cfg.Section("").Key("stage").SetValue(string(rec.Stage))

	fetch := cfg.Section("fetch")
	fetch.Key("last_data_version").SetValue(strconv.FormatUint(rec.LastDataVersion, 10))
	fetch.Key("last_bkey").SetValue(strconv.FormatUint(rec.LastBlock.ObjectID, 10) + "," + strconv.FormatUint(rec.LastBlock.BlockOffset, 10))

	cfg.Section("catch_up").Key("phase").SetValue(rec.CatchUp.String())

	return cfg.SaveTo(s.path)
}

// Remove deletes the state file, the last step of a successful
// recovery run.
func (s *StageStore) Remove() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
