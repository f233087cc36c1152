// Package topology implements the cluster topology notifier: it wakes
// peers when a DataServerInfo's status changes, coalescing repeated
// changes for the same peer into at most one queued event at a time via
// a CAS-guarded in_queue latch on each pre-allocated
// DataServerChangeEvent, the same way the original notifier avoided
// flooding a peer with redundant wake-ups.
package topology

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/types"
)

// PushFunc delivers a coalesced change notification to one peer. It
// should not block indefinitely; Notifier does not retry on error, it
// only logs and moves on to the next queued event.
type PushFunc func(ctx context.Context, dataGroupID uint32, server *types.DataServerInfo) error

// Notifier owns one outbound queue per peer server and a worker per
// queue that drains it by calling PushFunc.
type Notifier struct {
	push PushFunc

	mu     sync.Mutex
	queues map[uint32]*peerQueue

	logger zerolog.Logger
}

type peerQueue struct {
	ch     chan *types.DataServerChangeEvent
	peerID uint32
}

// New constructs a Notifier that delivers coalesced events via push.
func New(push PushFunc) *Notifier {
	return &Notifier{
		push:   push,
		queues: make(map[uint32]*peerQueue),
		logger: log.WithComponent("topology"),
	}
}

func (n *Notifier) queueFor(serverID uint32) *peerQueue {
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[serverID]
	if !ok {
		q = &peerQueue{ch: make(chan *types.DataServerChangeEvent, 64), peerID: serverID}
		n.queues[serverID] = q
	}
	return q
}

// Notify enqueues ev for delivery unless an event for the same peer is
// already queued (the in_queue CAS latch), in which case the change is
// dropped: whatever eventually drains will observe the peer's latest
// status, so no information is lost, only its staleness is bounded by
// queue depth instead of event count.
func (n *Notifier) Notify(ev *types.DataServerChangeEvent) {
	if !ev.InQueue.CompareAndSwap(false, true) {
		metrics.TopologyEventsCoalescedTotal.Inc()
		return
	}

	q := n.queueFor(ev.Server.ServerID)
	select {
	case q.ch <- ev:
		metrics.TopologyQueueDepth.WithLabelValues(labelFor(ev.Server.ServerID)).Set(float64(len(q.ch)))
	default:
		// queue full: drop the latch so a future Notify can retry: the
		// peer is already behind, a dropped wakeup doesn't make it worse.
		ev.InQueue.Store(false)
	}
}

// Run starts a drain worker per currently-registered peer queue and
// blocks until ctx is canceled. A queue created after Run starts (the
// first Notify for a new peer creates one) is not drained until RunPeer
// is called for that peer.
func (n *Notifier) Run(ctx context.Context) {
	n.mu.Lock()
	queues := make([]*peerQueue, 0, len(n.queues))
	for _, q := range n.queues {
		queues = append(queues, q)
	}
	n.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *peerQueue) {
			defer wg.Done()
			n.drain(ctx, q)
		}(q)
	}
	wg.Wait()
}

// RunPeer starts (or restarts) the drain worker for one peer, used when
// a new DataGroup member is added after Run has already started.
func (n *Notifier) RunPeer(ctx context.Context, serverID uint32) {
	q := n.queueFor(serverID)
	go n.drain(ctx, q)
}

func (n *Notifier) drain(ctx context.Context, q *peerQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.ch:
			ev.InQueue.Store(false)
			metrics.TopologyQueueDepth.WithLabelValues(labelFor(q.peerID)).Set(float64(len(q.ch)))
			pushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := n.push(pushCtx, ev.DataGroupID, ev.Server); err != nil {
				n.logger.Error().Err(err).Uint32("peer_server_id", q.peerID).Msg("topology push failed")
			}
			cancel()
		}
	}
}

func labelFor(serverID uint32) string {
	return strconv.FormatUint(uint64(serverID), 10)
}
