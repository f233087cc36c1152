// Package replication implements the primary/backup replication
// pipeline: on a mutating RPC, the master fans a committed binlog
// record out to every slave over a per-(peer, channel) FIFO queue, and
// parks the caller until every slave has acked or been marked inactive.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/cuemby/faststore/pkg/ferr"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/proto"
	"github.com/cuemby/faststore/pkg/tracing"
	"github.com/cuemby/faststore/pkg/types"
)

var tracer = tracing.GetTracer("replication")

// SendFunc performs one synchronous replication RPC against a slave. It
// is called from the owning channel's worker goroutine only, so two
// calls for the same channel never overlap: this is what gives the
// channel its FIFO delivery guarantee.
type SendFunc func(ctx context.Context, peer *types.DataServerInfo, rec *proto.BinlogRecord) error

// Config tunes the pipeline.
type Config struct {
	ChannelsPerPeer int
	AckTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChannelsPerPeer == 0 {
		c.ChannelsPerPeer = 4
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 3 * time.Second
	}
	return c
}

// rpcEntry tracks one fan-out's outstanding acks. refferCount starts at
// the number of slaves the record was actually pushed to; it is
// decremented by each ack and the caller is woken when it hits zero. ID
// correlates this fan-out's log lines and trace spans across every
// slave's send, independent of the caller's own binlog data_version.
type rpcEntry struct {
	id          uuid.UUID
	refferCount atomic.Int32
	once        sync.Once
	done        chan struct{}
	mu          sync.Mutex
	firstErr    error
}

func newRPCEntry(n int32) *rpcEntry {
	e := &rpcEntry{id: uuid.New(), done: make(chan struct{})}
	e.refferCount.Store(n)
	return e
}

func (e *rpcEntry) ack(err error) {
	if err != nil {
		e.mu.Lock()
		if e.firstErr == nil {
			e.firstErr = err
		}
		e.mu.Unlock()
	}
	if e.refferCount.Add(-1) == 0 {
		e.once.Do(func() { close(e.done) })
	}
}

type task struct {
	peer  *types.DataServerInfo
	rec   *proto.BinlogRecord
	entry *rpcEntry
}

// channel is one FIFO outbound queue to one peer; exactly one worker
// goroutine drains it, which is what makes send ordering match push
// ordering. After a failed send the worker waits on reconnect before
// taking its next task (the failed record is not resent), so one flaky
// peer cannot spin its worker in a tight error loop.
type channel struct {
	queue     chan *task
	reconnect *rate.Limiter
}

func newChannel(depth int) *channel {
	return &channel{
		queue:     make(chan *task, depth),
		reconnect: rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Pipeline is the replication fan-out engine.
type Pipeline struct {
	cfg  Config
	send SendFunc

	mu       sync.Mutex
	channels map[uint32][]*channel // peer server id -> its channel set

	wg sync.WaitGroup
}

// New constructs a Pipeline. Call Run once per peer to start that
// peer's channel worker goroutines.
func New(cfg Config, send SendFunc) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{cfg: cfg, send: send, channels: make(map[uint32][]*channel)}
}

func (p *Pipeline) channelsFor(peerID uint32) []*channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	chans, ok := p.channels[peerID]
	if !ok {
		chans = make([]*channel, p.cfg.ChannelsPerPeer)
		for i := range chans {
			chans[i] = newChannel(256)
		}
		p.channels[peerID] = chans
	}
	return chans
}

// Run starts worker goroutines draining every channel currently
// allocated for peer, stopping when ctx is canceled.
func (p *Pipeline) Run(ctx context.Context, peer *types.DataServerInfo) {
	for _, ch := range p.channelsFor(peer.ServerID) {
		p.wg.Add(1)
		go p.drain(ctx, peer, ch)
	}
}

// Wait blocks until every worker goroutine started by Run has returned.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) drain(ctx context.Context, peer *types.DataServerInfo, ch *channel) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch.queue:
			sendCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
			err := p.send(sendCtx, t.peer, t.rec)
			cancel()
			if err != nil {
				metrics.ReplicationTimeoutsTotal.Inc()
				log.Error(fmt.Sprintf("replication[%s] send to peer %d failed: %v", t.entry.id, peer.ServerID, err))
				_ = ch.reconnect.Wait(ctx)
			}
			t.entry.ack(err)
		}
	}
}

// Replicate fans rec out to every slave in group and blocks until all
// reachable slaves have acked, the ack timeout elapses, or ctx is
// canceled. A slave in ONLINE status is waited on until it leaves
// ONLINE; a slave that is then not ACTIVE is skipped and does not count
// toward the ack wait.
func (p *Pipeline) Replicate(ctx context.Context, group *types.DataGroup, rec *proto.BinlogRecord) error {
	slaves := group.Slaves()
	if len(slaves) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, tracer, "fanout",
		attribute.Int("data_group_id", int(group.ID)),
		attribute.Int("slave_count", len(slaves)),
	)
	defer span.End()

	metrics.ReplicationFanoutSize.Observe(float64(len(slaves)))
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReplicationAckDuration, fmt.Sprintf("%d", group.ID))

	var pushed []*types.DataServerInfo
	inactive := 0

	for _, ds := range slaves {
		if ds.Status() == types.DSOnline {
			if !ds.WaitUntilOffOnline(ctx.Done()) {
				return ferr.New(ferr.Interrupted, "replication.Replicate", errors.New("canceled waiting on ONLINE transition"))
			}
		}
		if ds.Status() != types.DSActive {
			inactive++
			metrics.ReplicationPeerInactiveTotal.WithLabelValues(fmt.Sprintf("%d", group.ID)).Inc()
			continue
		}
		pushed = append(pushed, ds)
	}

	if len(pushed) == 0 {
		if inactive > 0 {
			log.Error(fmt.Sprintf("data group %d: all %d slaves inactive, write not replicated", group.ID, inactive))
		}
		return nil
	}

	entry := newRPCEntry(int32(len(pushed)))

	for _, ds := range pushed {
		chans := p.channelsFor(ds.ServerID)
		ch := chans[group.ID%uint32(len(chans))]

		t := &task{peer: ds, rec: rec, entry: entry}
		select {
		case ch.queue <- t:
		default:
			// channel not ready: demote the peer and count it inactive.
			ds.CompareAndSwapStatus(types.DSActive, types.DSOffline)
			metrics.ReplicationPeerInactiveTotal.WithLabelValues(fmt.Sprintf("%d", group.ID)).Inc()
			entry.ack(nil) // this slave no longer counts toward reffer_count
		}
	}

	select {
	case <-entry.done:
		entry.mu.Lock()
		err := entry.firstErr
		entry.mu.Unlock()
		if err != nil && !ferr.Recoverable(err) {
			wrapped := ferr.New(ferr.Transport, "replication.Replicate", err)
			tracing.RecordError(ctx, wrapped)
			return wrapped
		}
		tracing.AddSpanEvent(ctx, "all_acked")
		return nil
	case <-ctx.Done():
		wrapped := ferr.New(ferr.Interrupted, "replication.Replicate", ctx.Err())
		tracing.RecordError(ctx, wrapped)
		return wrapped
	case <-time.After(p.cfg.AckTimeout):
		metrics.ReplicationTimeoutsTotal.Inc()
		wrapped := ferr.New(ferr.Transport, "replication.Replicate", errors.New("ack timeout"))
		tracing.RecordError(ctx, wrapped)
		return wrapped
	}
}
