package combine

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/faststore/pkg/alloc"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/types"
)

// FlushFunc hands a completed combine buffer to the write path (the
// replication pipeline on the server, or the network client on the
// client side). It must not retain entry.Data beyond the call.
type FlushFunc func(ctx context.Context, entry *types.SliceEntry) error

// Config tunes an Engine's combining behavior.
type Config struct {
	MaxBufferSize int
	MaxCombineTime time.Duration
	WheelTick     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 4 << 20
	}
	if c.MaxCombineTime == 0 {
		c.MaxCombineTime = 500 * time.Millisecond
	}
	if c.WheelTick == 0 {
		c.WheelTick = 50 * time.Millisecond
	}
	return c
}

// Engine coalesces contiguous writes sharing an OTID into a single
// buffer, flushing early on a size cap, a non-contiguous write, or a
// wheel-driven timeout — mirroring the original write-combine rules.
type Engine struct {
	cfg   Config
	pool  *alloc.Pool
	otids *OTIDTable
	opids *OPIDTable
	flush FlushFunc

	wheel *timeoutWheel
}

// New constructs a write-combine Engine. flush is called whenever a
// buffer is closed out, either by Write's own decision or by the
// background wheel goroutine started by Run.
func New(cfg Config, pool *alloc.Pool, otids *OTIDTable, opids *OPIDTable, flush FlushFunc) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:   cfg,
		pool:  pool,
		otids: otids,
		opids: opids,
		flush: flush,
		wheel: newTimeoutWheel(cfg.MaxCombineTime, cfg.WheelTick),
	}
}

// Run starts the background timeout-wheel sweep; it blocks until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	e.wheel.run(ctx, e.onTimeout)
}

// Write stages data at [offset, offset+len(data)) for block under otid,
// combining it with any open buffer when contiguous and recording the
// write against opid's successive-contiguous-write chain. It implements
// the combine_write contract: combined reports whether the payload was
// folded into an already-open buffer (true) or started a new one
// (false). Either way, Write registers a waiting task on the buffer that
// now holds the payload and parks until that buffer's eventual flush
// completes, so a combined write that is later failed by its RPC is
// reported to every caller it absorbed, not just whoever triggered the
// flush.
func (e *Engine) Write(ctx context.Context, otid types.OTID, opid types.OPID, block types.BlockKey, offset uint32, data []byte) (combined bool, err error) {
	thread := e.otids.GetOrCreate(otid)
	contiguous := thread.ObserveWrite(offset, uint32(len(data)))

	successive := e.opids.GetOrCreate(opid, block).Insert(offset, uint32(len(data)))
	metrics.OPIDSuccessiveCount.Observe(float64(successive))

	current := thread.Current()
	if current != nil && current.Flushed() {
		// A wheel timeout already flushed this buffer; drop it here.
		thread.Close()
		current = nil
	}

	var entry *types.SliceEntry
	switch {
	case current == nil:
		entry = e.openNew(thread, block, offset, data)
		combined = false

	case !contiguous || current.Key.Block != block:
		if ferr := e.flushEntry(ctx, thread, current, "non_contiguous"); ferr != nil {
			return false, ferr
		}
		entry = e.openNew(thread, block, offset, data)
		combined = false

	case int(current.Key.Slice.Length)+len(data) > e.cfg.MaxBufferSize:
		if ferr := e.flushEntry(ctx, thread, current, "size"); ferr != nil {
			return false, ferr
		}
		entry = e.openNew(thread, block, offset, data)
		combined = false

	default:
		metrics.CombineHitsTotal.Inc()
		current.Extend(data)
		e.wheel.touch(current)
		entry = current
		combined = true
	}

	wait := entry.AddWaiter()
	select {
	case werr := <-wait:
		return combined, werr
	case <-ctx.Done():
		return combined, ctx.Err()
	}
}

func (e *Engine) openNew(thread *types.OTIDEntry, block types.BlockKey, offset uint32, data []byte) *types.SliceEntry {
	metrics.CombineMissesTotal.Inc()
	buf, version := e.pool.Alloc(block, len(data))
	copy(buf, data)
	key := types.BlockSliceKey{Block: block, Slice: types.SliceKey{Offset: offset, Length: uint32(len(data))}}
	entry := types.NewSliceEntry(key, version, buf)
	thread.Open(entry)
	e.wheel.add(entry)
	return entry
}

// Flush force-closes whatever buffer is open for otid, if any, and
// wakes every write parked on it with the flush's result.
func (e *Engine) Flush(ctx context.Context, otid types.OTID) error {
	thread := e.otids.GetOrCreate(otid)
	current := thread.Current()
	if current != nil && current.Flushed() {
		thread.Close()
		current = nil
	}
	if current == nil {
		return nil
	}
	return e.flushEntry(ctx, thread, current, "explicit")
}

func (e *Engine) flushEntry(ctx context.Context, thread *types.OTIDEntry, entry *types.SliceEntry, reason string) error {
	e.wheel.remove(entry)
	thread.Close()
	entry.MarkFlushed()

	timer := metrics.NewTimer()
	err := e.flush(ctx, entry)
	timer.ObserveDurationVec(metrics.CombineFlushDuration, reason)

	woken := entry.Complete(err)
	metrics.CombineWaitersWoken.Add(float64(woken))
	return err
}

func (e *Engine) onTimeout(entry *types.SliceEntry) {
	// The owning OTIDEntry isn't reachable from entry alone; callers that
	// need the thread-level bookkeeping go through Flush. A wheel timeout
	// only fires flush directly, accepting that the thread's "current"
	// pointer is cleared lazily on the next Write/Flush call.
	if entry.Flushed() {
		return
	}
	entry.MarkFlushed()
	timer := metrics.NewTimer()
	err := e.flush(context.Background(), entry)
	if err != nil {
		log.Errorf("combine wheel flush failed", err)
	}
	timer.ObserveDurationVec(metrics.CombineFlushDuration, "timeout")

	woken := entry.Complete(err)
	metrics.CombineWaitersWoken.Add(float64(woken))
}

// timeoutWheel buckets open SliceEntries by their touch time, truncated
// to tick granularity, and periodically force-flushes buffers older than
// maxAge — the same coarse, bucketed approach as a classic timing wheel,
// avoiding a heap or per-entry timer.
type timeoutWheel struct {
	maxAge time.Duration
	tick   time.Duration

	mu      sync.Mutex
	buckets map[int64][]*types.SliceEntry
}

func newTimeoutWheel(maxAge, tick time.Duration) *timeoutWheel {
	return &timeoutWheel{maxAge: maxAge, tick: tick, buckets: make(map[int64][]*types.SliceEntry)}
}

func (w *timeoutWheel) slotFor(t time.Time) int64 {
	return t.UnixNano() / int64(w.tick)
}

func (w *timeoutWheel) add(entry *types.SliceEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	slot := w.slotFor(time.Now())
	w.buckets[slot] = append(w.buckets[slot], entry)
}

func (w *timeoutWheel) touch(entry *types.SliceEntry) {
	entry.Touch()
}

func (w *timeoutWheel) remove(entry *types.SliceEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for slot, entries := range w.buckets {
		for i, e := range entries {
			if e == entry {
				w.buckets[slot] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (w *timeoutWheel) run(ctx context.Context, onTimeout func(*types.SliceEntry)) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(onTimeout)
		}
	}
}

func (w *timeoutWheel) sweep(onTimeout func(*types.SliceEntry)) {
	var expired []*types.SliceEntry

	w.mu.Lock()
	for slot, entries := range w.buckets {
		kept := entries[:0]
		for _, e := range entries {
			if e.Flushed() || e.Age() >= w.maxAge {
				if !e.Flushed() {
					expired = append(expired, e)
				}
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(w.buckets, slot)
		} else {
			w.buckets[slot] = kept
		}
	}
	w.mu.Unlock()

	for _, e := range expired {
		onTimeout(e)
	}
}
