package tensor

import "github.com/pkg/errors"

// KVCache stores key-value tensors for efficient generation
type KVCache struct {
	Keys   []*Tensor // Per-layer key cache [batch, num_heads, seq_len, head_dim]
	Values []*Tensor // Per-layer value cache [batch, num_heads, seq_len, head_dim]
}

// NewKVCache creates a new KV cache for the model
func NewKVCache(numLayers int) *KVCache {
	return &KVCache{
		Keys:   make([]*Tensor, numLayers),
		Values: make([]*Tensor, numLayers),
	}
}

// NewStaticKVCache preallocates zeroed caches of a fixed length, for decoding
// with an explicit token index.
func NewStaticKVCache(config *GPTJConfig, batch, length int) *KVCache {
	kv := NewKVCache(config.NumLayers)
	for i := range kv.Keys {
		kv.Keys[i] = NewTensor(batch, config.NumHeads, length, config.HeadDim())
		kv.Values[i] = NewTensor(batch, config.NumHeads, length, config.HeadDim())
	}
	return kv
}

// NumLayers returns the number of layer slots
func (kv *KVCache) NumLayers() int {
	return len(kv.Keys)
}

// GetLayer returns the KV cache for a specific layer
func (kv *KVCache) GetLayer(layerIdx int) (*Tensor, *Tensor) {
	if kv == nil || layerIdx < 0 || layerIdx >= len(kv.Keys) {
		return nil, nil
	}
	return kv.Keys[layerIdx], kv.Values[layerIdx]
}

// SetLayer sets the KV cache for a specific layer
func (kv *KVCache) SetLayer(layerIdx int, k, v *Tensor) {
	if layerIdx >= 0 && layerIdx < len(kv.Keys) {
		kv.Keys[layerIdx] = k
		kv.Values[layerIdx] = v
	}
}

// SeqLen returns the cached sequence length, zero when the cache is empty.
func (kv *KVCache) SeqLen() int {
	if kv == nil || len(kv.Keys) == 0 || kv.Keys[0] == nil {
		return 0
	}
	return kv.Keys[0].Shape[2]
}

// Empty reports whether no layer holds cached tensors
func (kv *KVCache) Empty() bool {
	if kv == nil {
		return true
	}
	for _, k := range kv.Keys {
		if k != nil {
			return false
		}
	}
	return true
}

// Clear resets the KV cache
func (kv *KVCache) Clear() {
	for i := range kv.Keys {
		kv.Keys[i] = nil
		kv.Values[i] = nil
	}
}

// UpdateAt writes cur into past at sequence slots [start, start+q) without
// reallocating past. The write is done as past += cur - past, an index-add of
// the difference, rather than a plain store.
// past is [batch, heads, seq, head_dim] and cur is [batch, heads, q, head_dim].
func UpdateAt(past, cur *Tensor, start int) error {
	if len(past.Shape) != 4 || len(cur.Shape) != 4 {
		return errors.Wrapf(ErrCacheMisaligned, "expected 4D tensors, got %v and %v", past.Shape, cur.Shape)
	}
	if past.Device != cur.Device {
		return errors.Wrapf(ErrDeviceMismatch, "cache on %v, update on %v", past.Device, cur.Device)
	}
	batch, heads, seqLen, headDim := past.Shape[0], past.Shape[1], past.Shape[2], past.Shape[3]
	q := cur.Shape[2]
	if cur.Shape[0] != batch || cur.Shape[1] != heads || cur.Shape[3] != headDim {
		return errors.Wrapf(ErrCacheMisaligned, "cannot write %v into cache %v", cur.Shape, past.Shape)
	}
	if start < 0 || start+q > seqLen {
		return errors.Wrapf(ErrCacheMisaligned, "slots [%d, %d) outside cache of length %d", start, start+q, seqLen)
	}

	// Gather the current slot contents first, then add the difference back in.
	delta := NewTensor(cur.Shape...)
	for bh := 0; bh < batch*heads; bh++ {
		for s := 0; s < q; s++ {
			src := (bh*q + s) * headDim
			dst := (bh*seqLen + start + s) * headDim
			for d := 0; d < headDim; d++ {
				delta.Data[src+d] = cur.Data[src+d] - past.Data[dst+d]
			}
		}
	}
	for bh := 0; bh < batch*heads; bh++ {
		for s := 0; s < q; s++ {
			src := (bh*q + s) * headDim
			dst := (bh*seqLen + start + s) * headDim
			for d := 0; d < headDim; d++ {
				past.Data[dst+d] += delta.Data[src+d]
			}
		}
	}
	return nil
}
