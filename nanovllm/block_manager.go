package nanovllm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"k8s.io/klog/v2"
)

// Block is a fixed number of KV cache positions. Full blocks are keyed by the
// hash of their tokens and every block before them, so identical prompt
// prefixes share blocks.
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = append(b.TokenIDs[:0], tokenIDs...)
}

// Reset resets the block for reuse
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = b.TokenIDs[:0]
}

// BlockManager accounts for KV cache capacity. A sequence is only admitted
// when enough blocks are free to hold its cache.
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]bool

	// reserveFull makes Allocate claim blocks for a sequence's final length,
	// as a fixed-size cache is preallocated for it.
	reserveFull bool
	maxModelLen int
}

// BlockManagerOption is a functional option for BlockManager
type BlockManagerOption func(*BlockManager)

// WithFullReservation reserves blocks for prompt+max_tokens (capped at
// maxModelLen) when a sequence is admitted.
func WithFullReservation(maxModelLen int) BlockManagerOption {
	return func(bm *BlockManager) {
		bm.reserveFull = true
		bm.maxModelLen = maxModelLen
	}
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int, opts ...BlockManagerOption) *BlockManager {
	blocks := make([]*Block, numBlocks)
	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
		freeBlockIDs[i] = i
	}

	bm := &BlockManager{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  freeBlockIDs,
		usedBlockIDs:  make(map[int]bool),
	}
	for _, opt := range opts {
		opt(bm)
	}
	return bm
}

// BlockSize returns the number of positions per block
func (bm *BlockManager) BlockSize() int {
	return bm.blockSize
}

// NumFreeBlocks returns the number of unallocated blocks
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// ComputeHash chains the hash of tokenIDs onto prefixHash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte

	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

func (bm *BlockManager) allocateBlock(blockID int) *Block {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}
	block.Reset()

	for i, id := range bm.freeBlockIDs {
		if id == blockID {
			bm.freeBlockIDs = append(bm.freeBlockIDs[:i], bm.freeBlockIDs[i+1:]...)
			break
		}
	}
	bm.usedBlockIDs[blockID] = true
	return block
}

func (bm *BlockManager) deallocateBlock(blockID int) {
	if bm.blocks[blockID].RefCount != 0 {
		panic("block still has references")
	}
	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// blocksNeeded is the block count a sequence holds once admitted.
func (bm *BlockManager) blocksNeeded(seq *Sequence) int {
	if !bm.reserveFull {
		return seq.NumBlocks()
	}
	length := max(seq.FinalLen(bm.maxModelLen), seq.Len())
	return (length + bm.blockSize - 1) / bm.blockSize
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= bm.blocksNeeded(seq)
}

// Allocate assigns blocks to a sequence, reusing cached full blocks of a
// matching prefix.
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64
	cacheMiss := false
	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := -1
		if h != 0 {
			if id, ok := bm.hashToBlockID[h]; ok && equalTokens(bm.blocks[id].TokenIDs, tokenIDs) {
				blockID = id
			}
		}
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeBlockIDs[0]
			bm.allocateBlock(blockID)
		} else {
			seq.NumCachedTokens += bm.blockSize
			if bm.usedBlockIDs[blockID] {
				bm.blocks[blockID].RefCount++
			} else {
				bm.allocateBlock(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].Update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}
		seq.BlockTable = append(seq.BlockTable, blockID)
	}

	for len(seq.BlockTable) < bm.blocksNeeded(seq) {
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	}

	klog.V(4).Infof("seq %d: %d blocks, %d cached tokens", seq.SeqID, len(seq.BlockTable), seq.NumCachedTokens)
}

// Deallocate deallocates blocks for a sequence
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		blockID := seq.BlockTable[i]
		block := bm.blocks[blockID]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(blockID)
		}
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// needsNewBlock reports whether the token just appended to seq starts a block
// that the sequence does not hold yet.
func (bm *BlockManager) needsNewBlock(seq *Sequence) bool {
	return seq.Len()%bm.blockSize == 1 && len(seq.BlockTable) < seq.NumBlocks()
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if bm.needsNewBlock(seq) {
		return len(bm.freeBlockIDs) >= 1
	}
	return true
}

// MayAppend grows the block table for the newest token, or seals the last
// block with its hash once it is full.
func (bm *BlockManager) MayAppend(seq *Sequence) {
	switch {
	case bm.needsNewBlock(seq):
		blockID := bm.freeBlockIDs[0]
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	case seq.Len()%bm.blockSize == 0:
		idx := seq.NumBlocks() - 1
		block := bm.blocks[seq.BlockTable[idx]]
		if block.Hash != 0 {
			panic("last block should not have a hash")
		}
		var prefixHash uint64
		if idx > 0 {
			prefixHash = bm.blocks[seq.BlockTable[idx-1]].Hash
		}
		h := bm.ComputeHash(seq.Block(idx), prefixHash)
		block.Update(h, seq.Block(idx))
		bm.hashToBlockID[h] = block.BlockID
	}
}

func equalTokens(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
