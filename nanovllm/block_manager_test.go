package nanovllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSequence(t *testing.T, n int, opts ...SamplingOption) *Sequence {
	t.Helper()
	sp, err := NewSamplingParams(opts...)
	require.NoError(t, err)
	tokenIDs := make([]int, n)
	for i := range tokenIDs {
		tokenIDs[i] = i
	}
	return NewSequence(tokenIDs, sp)
}

func TestBlockManagerCreation(t *testing.T) {
	bm := NewBlockManager(100, 256)

	assert.Len(t, bm.blocks, 100)
	assert.Equal(t, 100, bm.NumFreeBlocks())
	assert.Equal(t, 256, bm.BlockSize())
}

func TestBlockManagerAllocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq := newTestSequence(t, 300)

	require.True(t, bm.CanAllocate(seq))
	bm.Allocate(seq)

	assert.Len(t, seq.BlockTable, 2)
	assert.Equal(t, 98, bm.NumFreeBlocks())
}

func TestBlockManagerDeallocate(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq := newTestSequence(t, 300)

	bm.Allocate(seq)
	bm.Deallocate(seq)

	assert.Empty(t, seq.BlockTable)
	assert.Equal(t, 100, bm.NumFreeBlocks())
	assert.Equal(t, 0, seq.NumCachedTokens)
}

func TestBlockManagerPrefixCaching(t *testing.T) {
	bm := NewBlockManager(100, 256)
	seq1 := newTestSequence(t, 256)
	seq2 := newTestSequence(t, 256)

	bm.Allocate(seq1)
	freeAfterFirst := bm.NumFreeBlocks()
	bm.Allocate(seq2)

	assert.Equal(t, 256, seq2.NumCachedTokens)
	assert.Equal(t, freeAfterFirst, bm.NumFreeBlocks(), "the shared block is reference counted")
	assert.Equal(t, seq1.BlockTable, seq2.BlockTable)
	assert.Equal(t, 2, bm.blocks[seq1.BlockTable[0]].RefCount)

	bm.Deallocate(seq1)
	assert.Equal(t, freeAfterFirst, bm.NumFreeBlocks())
	bm.Deallocate(seq2)
	assert.Equal(t, 100, bm.NumFreeBlocks())
}

func TestBlockManagerComputeHash(t *testing.T) {
	bm := NewBlockManager(100, 256)

	hash1 := bm.ComputeHash([]int{1, 2, 3, 4, 5}, 0)
	assert.Equal(t, hash1, bm.ComputeHash([]int{1, 2, 3, 4, 5}, 0), "hash should be deterministic")
	assert.NotEqual(t, hash1, bm.ComputeHash([]int{1, 2, 3, 4, 6}, 0))
	assert.NotEqual(t, hash1, bm.ComputeHash([]int{1, 2, 3, 4, 5}, 7), "the prefix hash is chained in")
}

func TestBlockManagerAppendGrowsAndSeals(t *testing.T) {
	bm := NewBlockManager(10, 256)
	seq := newTestSequence(t, 255)
	bm.Allocate(seq)
	require.Len(t, seq.BlockTable, 1)

	seq.AppendToken(1)
	require.True(t, bm.CanAppend(seq))
	bm.MayAppend(seq)
	last := bm.blocks[seq.BlockTable[0]]
	assert.NotZero(t, last.Hash, "a full block is sealed with its hash")

	seq.AppendToken(2)
	bm.MayAppend(seq)
	assert.Len(t, seq.BlockTable, 2)
	assert.Equal(t, 8, bm.NumFreeBlocks())
}

func TestBlockManagerFullReservation(t *testing.T) {
	bm := NewBlockManager(4, 256, WithFullReservation(2048))
	seq := newTestSequence(t, 200, WithMaxTokens(400))

	// 600 positions are reserved up front.
	require.True(t, bm.CanAllocate(seq))
	bm.Allocate(seq)
	assert.Len(t, seq.BlockTable, 3)
	assert.Equal(t, 1, bm.NumFreeBlocks())

	for seq.Len() < 600 {
		seq.AppendToken(0)
		require.True(t, bm.CanAppend(seq))
		bm.MayAppend(seq)
	}
	assert.Len(t, seq.BlockTable, 3, "decoding stays inside the reservation")

	big := newTestSequence(t, 100, WithMaxTokens(500))
	assert.False(t, bm.CanAllocate(big))
}
