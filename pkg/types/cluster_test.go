package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataServerInfoStatusTransitions(t *testing.T) {
	ds := NewDataServerInfo(1, "10.0.0.1:6001")
	assert.Equal(t, DSOffline, ds.Status())

	ds.SetStatus(DSOnline)
	assert.Equal(t, DSOnline, ds.Status())

	ds.SetStatus(DSActive)
	assert.Equal(t, DSActive, ds.Status())
}

func TestDataServerInfoCompareAndSwapStatus(t *testing.T) {
	ds := NewDataServerInfo(1, "10.0.0.1:6001")
	ds.SetStatus(DSOnline)

	ok := ds.CompareAndSwapStatus(DSOnline, DSActive)
	assert.True(t, ok)
	assert.Equal(t, DSActive, ds.Status())

	ok = ds.CompareAndSwapStatus(DSOnline, DSActive)
	assert.False(t, ok)
}

func TestDataServerInfoWaitUntilOffOnline(t *testing.T) {
	ds := NewDataServerInfo(1, "10.0.0.1:6001")
	ds.SetStatus(DSOnline)

	done := make(chan struct{})
	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- ds.WaitUntilOffOnline(done)
	}()

	time.Sleep(20 * time.Millisecond)
	ds.SetStatus(DSActive)

	select {
	case ok := <-resultCh:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilOffOnline did not return after status transition")
	}
}

func TestDataServerInfoWaitUntilOffOnlineInterrupted(t *testing.T) {
	ds := NewDataServerInfo(1, "10.0.0.1:6001")
	ds.SetStatus(DSOnline)

	done := make(chan struct{})
	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- ds.WaitUntilOffOnline(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)

	select {
	case ok := <-resultCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilOffOnline did not return after cancellation")
	}
}

func TestDataGroupMasterAndSlaves(t *testing.T) {
	g := NewDataGroup(1)
	a := NewDataServerInfo(1, "a")
	b := NewDataServerInfo(2, "b")
	c := NewDataServerInfo(3, "c")

	g.AddServer(a)
	g.AddServer(b)
	g.AddServer(c)
	g.SetMaster(a)

	require.NotNil(t, g.Master())
	assert.EqualValues(t, 1, g.Master().ServerID)
	assert.Len(t, g.Slaves(), 2)
	assert.Len(t, g.Servers(), 3)
}

func TestDataGroupDataVersion(t *testing.T) {
	g := NewDataGroup(1)
	assert.EqualValues(t, 0, g.DataVersion())
	assert.EqualValues(t, 1, g.NextDataVersion())
	assert.EqualValues(t, 2, g.NextDataVersion())

	g.ObserveDataVersion(1) // stale, ignored
	assert.EqualValues(t, 2, g.DataVersion())

	g.ObserveDataVersion(10)
	assert.EqualValues(t, 10, g.DataVersion())
}

func TestDataGroupDelayDecision(t *testing.T) {
	g := NewDataGroup(1)
	assert.Equal(t, DelayNone, g.GetDelayDecision().Action)

	exp := time.Now().Add(time.Minute)
	g.SetDelayDecision(DelayDecision{Action: DelayPromote, ExpireAt: exp})

	got := g.GetDelayDecision()
	assert.Equal(t, DelayPromote, got.Action)
	assert.WithinDuration(t, exp, got.ExpireAt, time.Millisecond)
}
