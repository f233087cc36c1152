package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceEntryExtend(t *testing.T) {
	key := BlockSliceKey{Block: BlockKey{ObjectID: 1}, Slice: SliceKey{Offset: 0, Length: 4}}
	e := NewSliceEntry(key, NewSliceVersion(0, 1), []byte("abcd"))

	e.Extend([]byte("efgh"))
	assert.Equal(t, "abcdefgh", string(e.Data))
	assert.EqualValues(t, 8, e.Key.Slice.Length)
}

func TestSliceEntryFlushed(t *testing.T) {
	key := BlockSliceKey{Block: BlockKey{ObjectID: 1}, Slice: SliceKey{Offset: 0, Length: 4}}
	e := NewSliceEntry(key, NewSliceVersion(0, 1), []byte("abcd"))
	assert.False(t, e.Flushed())
	e.MarkFlushed()
	assert.True(t, e.Flushed())
}

func TestOTIDEntryObserveWrite(t *testing.T) {
	o := NewOTIDEntry(OTID(1))
	assert.True(t, o.ObserveWrite(0, 10))
	assert.Equal(t, 1, o.SuccessiveCount())
	assert.True(t, o.ObserveWrite(10, 10))
	assert.Equal(t, 2, o.SuccessiveCount())
	assert.False(t, o.ObserveWrite(100, 10))
	assert.Equal(t, 0, o.SuccessiveCount())
}

func TestOTIDEntryOpenClose(t *testing.T) {
	o := NewOTIDEntry(OTID(1))
	key := BlockSliceKey{Block: BlockKey{ObjectID: 1}, Slice: SliceKey{Offset: 0, Length: 4}}
	e := NewSliceEntry(key, NewSliceVersion(0, 1), []byte("abcd"))

	o.Open(e)
	assert.Same(t, e, o.Current())
	o.Close()
	assert.Nil(t, o.Current())
}

func TestOPIDEntryInsertSuccessiveCount(t *testing.T) {
	e := NewOPIDEntry(OPID(1))
	assert.Equal(t, 0, e.Insert(0, 4096))
	assert.Equal(t, 1, e.Insert(4096, 4096))
	assert.Equal(t, 2, e.Insert(8192, 4096))
	assert.Equal(t, 0, e.Insert(20000, 4096))
	assert.Equal(t, 0, e.SuccessiveCount())
}

func TestSliceEntryWaitersWokenOnComplete(t *testing.T) {
	key := BlockSliceKey{Block: BlockKey{ObjectID: 1}, Slice: SliceKey{Offset: 0, Length: 4}}
	e := NewSliceEntry(key, NewSliceVersion(0, 1), []byte("abcd"))

	w1 := e.AddWaiter()
	w2 := e.AddWaiter()

	woken := e.Complete(assert.AnError)
	assert.Equal(t, 2, woken)
	assert.Equal(t, assert.AnError, <-w1)
	assert.Equal(t, assert.AnError, <-w2)

	// A waiter registered after completion gets the recorded result
	// immediately instead of blocking forever.
	w3 := e.AddWaiter()
	assert.Equal(t, assert.AnError, <-w3)
}
