package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faststore/pkg/types"
)

func TestAllocIssuesUniqueVersions(t *testing.T) {
	p := New(DefaultShardCount)
	key := types.BlockKey{ObjectID: 1, BlockOffset: 0}

	seen := make(map[types.SliceVersion]bool)
	for i := 0; i < 1000; i++ {
		_, v := p.Alloc(key, 64)
		require.False(t, seen[v])
		seen[v] = true
	}
}

func TestAllocBufferSizedCorrectly(t *testing.T) {
	p := New(4)
	buf, _ := p.Alloc(types.BlockKey{ObjectID: 1}, 100)
	assert.Len(t, buf, 100)
}

func TestReleaseAndReuse(t *testing.T) {
	p := New(4)
	key := types.BlockKey{ObjectID: 1}
	buf, v := p.Alloc(key, 128)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Release(v, buf)

	buf2, _ := p.Alloc(key, 128)
	assert.Len(t, buf2, 128)
}

func TestGrowPreservesContent(t *testing.T) {
	p := New(4)
	key := types.BlockKey{ObjectID: 1}
	buf, v := p.Alloc(key, 4)
	copy(buf, []byte("abcd"))

	grown := p.Grow(v, buf, 8)
	assert.Equal(t, "abcd", string(grown[:4]))
	assert.Len(t, grown, 8)
}

func TestShardIndexStableForSameKey(t *testing.T) {
	p := New(17)
	key := types.BlockKey{ObjectID: 42, BlockOffset: 99}
	idx1 := p.shardIndex(key)
	idx2 := p.shardIndex(key)
	assert.Equal(t, idx1, idx2)
}

func TestDefaultShardCountUsedWhenZero(t *testing.T) {
	p := New(0)
	assert.Equal(t, DefaultShardCount, p.ShardCount())
}
