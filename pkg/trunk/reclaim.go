package trunk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/faststore/pkg/index"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/storage"
	"github.com/cuemby/faststore/pkg/types"
)

// ReclaimConfig tunes the background reclaimer.
type ReclaimConfig struct {
	Interval            time.Duration
	SparsenessThreshold float64
}

// LogFunc mints a data_version for a slice relocated by the reclaimer
// and appends the corresponding binlog record (source=RECLAIM), the
// same durability step a client write takes. It is nil-safe: a nil
// LogFunc skips logging, which is all the package's own tests need.
type LogFunc func(block types.BlockKey, slice types.SliceKey) (types.SliceVersion, error)

// Reclaimer periodically scans trunks for sparseness and migrates the
// surviving live slices of any sparse trunk into a fresh one, then
// removes the old file. A per-trunk lock serializes reclaim passes over
// the same trunk; client writes do not take it. Writers are kept out of
// a block mid-migration by the index's per-block reclaim lock, which is
// always acquired after the per-trunk lock.
type Reclaimer struct {
	mgr   *Manager
	ix    *index.Index
	store *storage.Store
	cfg   ReclaimConfig
	log   LogFunc

	logger zerolog.Logger

	mu           sync.Mutex // serializes reclaim passes; index writes take their own locks
	stopCh       chan struct{}
	reclaimLocks sync.Map // trunkID -> *sync.Mutex, acquired before touching a trunk's live list
}

// NewReclaimer constructs a reclaimer over mgr's trunks and ix's index.
// logFn is called once per coalesced migration record to durably log
// the relocated slice; pass nil to skip logging.
func NewReclaimer(mgr *Manager, ix *index.Index, store *storage.Store, cfg ReclaimConfig, logFn LogFunc) *Reclaimer {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SparsenessThreshold == 0 {
		cfg.SparsenessThreshold = 0.6
	}
	return &Reclaimer{
		mgr:    mgr,
		ix:     ix,
		store:  store,
		cfg:    cfg,
		log:    logFn,
		logger: log.WithComponent("trunk_reclaim"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the periodic reclaim loop until ctx is canceled or Stop is called.
func (r *Reclaimer) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the reclaim loop.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
}

func (r *Reclaimer) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Msg("trunk reclaimer started")

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			r.logger.Info().Msg("trunk reclaimer stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reclaimer) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tf := range r.mgr.AllTrunks() {
		if tf.SparsenessRatio() < r.cfg.SparsenessThreshold {
			continue
		}
		if err := r.reclaimOne(tf); err != nil {
			r.logger.Error().Err(err).Uint32("trunk_id", tf.ID).Msg("reclaim failed")
			metrics.ReclaimFailuresTotal.Inc()
		}
	}
}

func (r *Reclaimer) lockFor(id uint32) *sync.Mutex {
	m, _ := r.reclaimLocks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// migrationRecord is one or more adjacent, same-block live slices that
// reclaimOne rewrites as a single slice in the fresh trunk, the way
// step 3 of the reclaim algorithm coalesces a contiguous run instead of
// relocating each original slice individually.
type migrationRecord struct {
	block  types.BlockKey
	slices []*types.OBSliceEntry // contiguous run, sorted by Slice.Offset
}

func (m *migrationRecord) offset() uint32 { return m.slices[0].Slice.Offset }
func (m *migrationRecord) end() uint32    { return m.slices[len(m.slices)-1].Slice.End() }

// planMigration sorts live by (oid, block-offset, slice-offset) and
// coalesces adjacent same-block slices whose ranges abut into single
// migration records.
func planMigration(live []*types.OBSliceEntry) []*migrationRecord {
	sorted := append([]*types.OBSliceEntry(nil), live...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Block.ObjectID != b.Block.ObjectID {
			return a.Block.ObjectID < b.Block.ObjectID
		}
		if a.Block.BlockOffset != b.Block.BlockOffset {
			return a.Block.BlockOffset < b.Block.BlockOffset
		}
		return a.Slice.Offset < b.Slice.Offset
	})

	var records []*migrationRecord
	for _, s := range sorted {
		if n := len(records); n > 0 {
			last := records[n-1]
			if last.block == s.Block && last.end() == s.Slice.Offset {
				last.slices = append(last.slices, s)
				continue
			}
		}
		records = append(records, &migrationRecord{block: s.Block, slices: []*types.OBSliceEntry{s}})
	}
	return records
}

// reclaimOne migrates every live slice out of tf into a fresh trunk,
// then removes tf. The per-trunk reclaim lock is taken before any slice
// is moved. Each coalesced run is guarded by the index's per-block
// reclaim lock, which blocks a concurrent Insert into that block so it
// sees either the old location (not yet migrated) or the new one
// (already repointed), never neither; these locks are acquired in
// BlockKey order across the whole batch and rolled back in full if any
// lock in the batch cannot be acquired.
func (r *Reclaimer) reclaimOne(tf *types.TrunkFile) error {
	lock := r.lockFor(tf.ID)
	lock.Lock()
	defer lock.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReclaimDuration, fmt.Sprintf("%d", tf.ID))

	records := planMigration(tf.LiveSlices())
	if len(records) == 0 {
		return r.removeTrunk(tf)
	}

	locked := make(map[types.BlockKey]*types.OBEntry)
	var lockedOrder []types.BlockKey
	rollback := func() {
		for _, b := range lockedOrder {
			r.ix.ReclaimUnlock(locked[b])
		}
	}
	for _, rec := range records {
		if _, ok := locked[rec.block]; ok {
			continue
		}
		entry := r.ix.ReclaimLock(rec.block)
		if entry == nil {
			rollback()
			metrics.ReclaimFailuresTotal.Inc()
			return fmt.Errorf("reclaim: block %+v no longer indexed", rec.block)
		}
		locked[rec.block] = entry
		lockedOrder = append(lockedOrder, rec.block)
	}
	defer rollback()

	fresh, err := r.mgr.CreateTrunk()
	if err != nil {
		return fmt.Errorf("reclaim: create destination trunk: %w", err)
	}

	var copied uint64
	for _, rec := range records {
		data := make([]byte, 0, rec.end()-rec.offset())
		for _, s := range rec.slices {
			chunk, err := r.mgr.ReadAt(s.Space.TrunkID, s.Space.Offset, s.Space.Size)
			if err != nil {
				return fmt.Errorf("reclaim: read live slice: %w", err)
			}
			data = append(data, chunk...)
		}

		newOffset, ok := fresh.Reserve(uint32(len(data)))
		if !ok {
			return fmt.Errorf("reclaim: destination trunk %d exhausted mid-migration", fresh.ID)
		}
		if err := r.mgr.WriteAt(fresh.ID, newOffset, data); err != nil {
			return fmt.Errorf("reclaim: write relocated slice: %w", err)
		}

		coalesced := types.SliceKey{Offset: rec.offset(), Length: uint32(len(data))}
		version := rec.slices[0].Version
		if r.log != nil {
			v, err := r.log(rec.block, coalesced)
			if err != nil {
				return fmt.Errorf("reclaim: log relocated slice: %w", err)
			}
			version = v
		}

		merged := &types.OBSliceEntry{
			Block:   rec.block,
			Slice:   coalesced,
			Version: version,
			Space:   types.TrunkSpaceInfo{TrunkID: fresh.ID, Offset: newOffset, Size: uint32(len(data))},
		}
		timer := metrics.NewTimer()
		displaced := locked[rec.block].InsertLocked(merged)
		timer.ObserveDuration(metrics.IndexInsertDuration)
		if len(displaced) > 0 {
			metrics.IndexOverlapSplitsTotal.Add(float64(len(displaced)))
		}
		metrics.IndexSlicesTotal.Add(float64(1 - len(displaced)))
		for _, d := range displaced {
			old, err := r.mgr.Get(d.Space.TrunkID)
			if err == nil {
				old.UntrackLive(d)
			}
		}
		fresh.TrackLive(merged)
		copied += uint64(len(data))
	}

	metrics.ReclaimBytesCopiedTotal.Add(float64(copied))
	return r.removeTrunk(tf)
}

func (r *Reclaimer) removeTrunk(tf *types.TrunkFile) error {
	if err := r.mgr.Remove(tf.ID); err != nil {
		return fmt.Errorf("reclaim: remove exhausted trunk: %w", err)
	}
	return nil
}
