package types

import (
	"sync"
	"sync/atomic"
	"time"
)

// DSStatus is a DataServer's membership status within a data group.
type DSStatus int32

const (
	DSOffline DSStatus = iota
	DSOnline           // transitioning in; replication must wait for it to leave this state
	DSActive
)

func (s DSStatus) String() string {
	switch s {
	case DSOffline:
		return "OFFLINE"
	case DSOnline:
		return "ONLINE"
	case DSActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// DataServerInfo describes one cluster node hosting a replica of a data
// group. Status, IsLeader and Active are written by the external
// leader-election/heartbeat modules and consumed here via atomics; the
// one write from the core is the replication pipeline's ACTIVE -> OFFLINE
// demotion through CompareAndSwapStatus.
type DataServerInfo struct {
	ServerID uint32
	Addr     string

	status   atomic.Int32
	active   atomic.Bool
	isLeader atomic.Bool

	// cond is signalled whenever Status transitions away from DSOnline;
	// the replication pipeline parks on it while a peer is transitioning in.
	cond *sync.Cond
	mu   sync.Mutex
}

// NewDataServerInfo constructs a DataServerInfo in OFFLINE, inactive state.
func NewDataServerInfo(serverID uint32, addr string) *DataServerInfo {
	ds := &DataServerInfo{ServerID: serverID, Addr: addr}
	ds.cond = sync.NewCond(&ds.mu)
	ds.status.Store(int32(DSOffline))
	return ds
}

// Status returns the current membership status.
func (ds *DataServerInfo) Status() DSStatus { return DSStatus(ds.status.Load()) }

// Active reports whether the server currently answers heartbeats.
func (ds *DataServerInfo) Active() bool { return ds.active.Load() }

// IsLeader reports whether this server holds cluster leadership, as
// decided by the external leader-election module.
func (ds *DataServerInfo) IsLeader() bool { return ds.isLeader.Load() }

// SetActive updates the active flag, as reported by the heartbeat module.
func (ds *DataServerInfo) SetActive(active bool) { ds.active.Store(active) }

// SetLeader updates the leadership flag, as reported by the election module.
func (ds *DataServerInfo) SetLeader(leader bool) { ds.isLeader.Store(leader) }

// SetStatus atomically swaps the status and, if the previous status was
// ONLINE and the new one is not, wakes every waiter parked in WaitUntilOffOnline.
func (ds *DataServerInfo) SetStatus(next DSStatus) {
	prev := DSStatus(ds.status.Swap(int32(next)))
	if prev == DSOnline && next != DSOnline {
		ds.mu.Lock()
		ds.cond.Broadcast()
		ds.mu.Unlock()
	}
}

// CompareAndSwapStatus performs an atomic status CAS, used by the
// replication pipeline to demote a peer ACTIVE -> OFFLINE when its
// channel is not ready.
func (ds *DataServerInfo) CompareAndSwapStatus(from, to DSStatus) bool {
	ok := ds.status.CompareAndSwap(int32(from), int32(to))
	if ok && from == DSOnline {
		ds.mu.Lock()
		ds.cond.Broadcast()
		ds.mu.Unlock()
	}
	return ok
}

// WaitUntilOffOnline blocks until Status() != ONLINE or done is closed,
// returning false when done closes first (surfaced by the caller as
// ferr.Interrupted).
func (ds *DataServerInfo) WaitUntilOffOnline(done <-chan struct{}) bool {
	if ds.Status() != DSOnline {
		return true
	}
	waitCh := make(chan struct{})
	go func() {
		ds.mu.Lock()
		for ds.Status() == DSOnline {
			ds.cond.Wait()
		}
		ds.mu.Unlock()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return true
	case <-done:
		return false
	}
}

// DelayAction is the pending action of a DataGroup's delay-decision record.
type DelayAction int

const (
	DelayNone DelayAction = iota
	DelayPromote
	DelayDemote
)

// DelayDecision mirrors the original check_master delay-decision record:
// an action pending until ExpireAt, used to debounce master re-election.
type DelayDecision struct {
	Action   DelayAction
	ExpireAt time.Time
}

// DataGroup is a replication unit: a BlockKey maps to exactly one.
type DataGroup struct {
	ID uint32

	mu      sync.RWMutex
	servers map[uint32]*DataServerInfo
	master  *DataServerInfo
	delay   DelayDecision

	dataVersion atomic.Uint64
}

// NewDataGroup constructs an empty data group.
func NewDataGroup(id uint32) *DataGroup {
	return &DataGroup{ID: id, servers: make(map[uint32]*DataServerInfo)}
}

// AddServer registers a replica host for this data group.
func (g *DataGroup) AddServer(ds *DataServerInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers[ds.ServerID] = ds
}

// Master returns the current master, or nil if none is elected.
func (g *DataGroup) Master() *DataServerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.master
}

// SetMaster installs ds as the master (nil clears it).
func (g *DataGroup) SetMaster(ds *DataServerInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.master = ds
}

// Slaves returns every registered server other than the current master.
func (g *DataGroup) Slaves() []*DataServerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slaves := make([]*DataServerInfo, 0, len(g.servers))
	for id, ds := range g.servers {
		if g.master != nil && id == g.master.ServerID {
			continue
		}
		slaves = append(slaves, ds)
	}
	return slaves
}

// Servers returns every registered server, master included.
func (g *DataGroup) Servers() []*DataServerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*DataServerInfo, 0, len(g.servers))
	for _, ds := range g.servers {
		out = append(out, ds)
	}
	return out
}

// Server looks up a single peer by server id.
func (g *DataGroup) Server(id uint32) (*DataServerInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ds, ok := g.servers[id]
	return ds, ok
}

// DataVersion returns the current monotonic version counter.
func (g *DataGroup) DataVersion() uint64 { return g.dataVersion.Load() }

// NextDataVersion atomically issues the next version; only the master
// calls this, to preserve strict per-group ordering of issued RPCs.
func (g *DataGroup) NextDataVersion() uint64 { return g.dataVersion.Add(1) }

// ObserveDataVersion bumps the stored version up to v if v is newer,
// used by slaves replaying an ordered RPC stream or by recovery closing
// a NO_OP gap.
func (g *DataGroup) ObserveDataVersion(v uint64) {
	for {
		cur := g.dataVersion.Load()
		if v <= cur {
			return
		}
		if g.dataVersion.CompareAndSwap(cur, v) {
			return
		}
	}
}

// GetDelayDecision returns a copy of the group's pending delay-decision record.
func (g *DataGroup) GetDelayDecision() DelayDecision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.delay
}

// SetDelayDecision installs a new delay-decision record.
func (g *DataGroup) SetDelayDecision(d DelayDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// DataServerChangeEvent is pre-allocated, one per (data_group, peer_server)
// pair, carrying the in_queue CAS dedup latch the topology notifier uses.
type DataServerChangeEvent struct {
	DataGroupID uint32
	Server      *DataServerInfo
	InQueue     atomic.Bool
}
