package tensor

import (
	"math"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// maskValue is the float32 minimum, used to fill causally masked scores.
const maskValue = -math.MaxFloat32

// LayerInput carries everything a transformer layer needs for one call.
type LayerInput struct {
	Hidden *Tensor // [batch, seq, hidden]

	// PastKey and PastValue are [batch, heads, past_seq, head_dim], or nil.
	PastKey   *Tensor
	PastValue *Tensor

	// MaskBias is the additive attention bias [batch, key_len], or nil.
	MaskBias *Tensor

	PositionIDs [][]int   // [batch][seq]
	HeadMask    []float32 // [heads], or nil

	UseCache         bool
	OutputAttentions bool

	// TokenIdx is the 1-based cache slot being decoded; zero means unset.
	// When set together with a past, the past tensors are updated in place.
	TokenIdx int
}

// LayerOutput is the result of an attention or block forward.
type LayerOutput struct {
	Hidden       *Tensor
	PresentKey   *Tensor // nil unless UseCache
	PresentValue *Tensor
	Attention    *Tensor // [batch, heads, seq, key_len], nil unless OutputAttentions
}

// GPTJAttention implements GPT-J self-attention with partial rotary embeddings.
type GPTJAttention struct {
	NumHeads     int
	HeadDim      int
	Hidden       int
	MaxPositions int

	// Weights are stored [in, out]; GPT-J projections have no bias.
	QWeight   *Tensor
	KWeight   *Tensor
	VWeight   *Tensor
	OutWeight *Tensor

	Rotary *RotaryEmbedding
}

// NewGPTJAttention creates an attention layer without weights
func NewGPTJAttention(config *GPTJConfig, rotary *RotaryEmbedding) *GPTJAttention {
	return &GPTJAttention{
		NumHeads:     config.NumHeads,
		HeadDim:      config.HeadDim(),
		Hidden:       config.Hidden,
		MaxPositions: config.MaxPositions,
		Rotary:       rotary,
	}
}

// Forward projects, rotates, updates the cache and attends.
func (attn *GPTJAttention) Forward(in *LayerInput) (*LayerOutput, error) {
	x := in.Hidden
	batchSize, seqLen := x.Shape[0], x.Shape[1]

	query := Linear(x, attn.QWeight, nil).Reshape(batchSize, seqLen, attn.NumHeads, attn.HeadDim)
	key := Linear(x, attn.KWeight, nil).Reshape(batchSize, seqLen, attn.NumHeads, attn.HeadDim)
	value := Linear(x, attn.VWeight, nil).Reshape(batchSize, seqLen, attn.NumHeads, attn.HeadDim)

	query = attn.Rotary.Apply(query, in.PositionIDs)
	key = attn.Rotary.Apply(key, in.PositionIDs)

	// [batch, seq, heads, head_dim] -> [batch, heads, seq, head_dim]
	query = swapAxes12(query)
	key = swapAxes12(key)
	value = swapAxes12(value)

	if in.PastKey != nil && in.PastValue != nil {
		if in.TokenIdx > 0 {
			if err := UpdateAt(in.PastKey, key, in.TokenIdx-1); err != nil {
				return nil, errors.WithMessage(err, "key cache")
			}
			if err := UpdateAt(in.PastValue, value, in.TokenIdx-1); err != nil {
				return nil, errors.WithMessage(err, "value cache")
			}
			key, value = in.PastKey, in.PastValue
		} else {
			key = Concatenate(in.PastKey, key, 2)
			value = Concatenate(in.PastValue, value, 2)
		}
	}

	out := &LayerOutput{}
	if in.UseCache {
		out.PresentKey, out.PresentValue = key, value
	}

	context, weights, err := attn.attend(query, key, value, in.MaskBias, in.HeadMask, in.OutputAttentions)
	if err != nil {
		return nil, err
	}
	out.Attention = weights

	merged := swapAxes12(context).Reshape(batchSize, seqLen, attn.Hidden)
	out.Hidden = Linear(merged, attn.OutWeight, nil)
	return out, nil
}

// attend computes masked scaled dot-product attention for every (batch, head)
// pair concurrently. query is [b, h, q, d]; key and value are [b, h, k, d].
func (attn *GPTJAttention) attend(query, key, value, maskBias *Tensor, headMask []float32, keepWeights bool) (*Tensor, *Tensor, error) {
	batchSize, numHeads, qLen, headDim := query.Shape[0], query.Shape[1], query.Shape[2], query.Shape[3]
	kLen := key.Shape[2]

	if kLen > attn.MaxPositions {
		return nil, nil, errors.Wrapf(ErrCacheMisaligned, "key length %d exceeds %d positions", kLen, attn.MaxPositions)
	}
	if qLen > kLen {
		return nil, nil, errors.Wrapf(ErrCacheMisaligned, "query length %d exceeds key length %d", qLen, kLen)
	}
	if maskBias != nil && (maskBias.Shape[0] != batchSize || maskBias.Shape[len(maskBias.Shape)-1] != kLen) {
		return nil, nil, errors.Wrapf(ErrCacheMisaligned, "attention mask %v does not cover %d keys", maskBias.Shape, kLen)
	}

	scale := float32(math.Sqrt(float64(headDim)))
	offset := kLen - qLen

	context := NewTensor(batchSize, numHeads, qLen, headDim)
	context.Device = query.Device
	var weights *Tensor
	if keepWeights {
		weights = NewTensor(batchSize, numHeads, qLen, kLen)
		weights.Device = query.Device
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			g.Go(func() error {
				bh := b*numHeads + h
				q := query.Data[bh*qLen*headDim : (bh+1)*qLen*headDim]
				k := key.Data[bh*kLen*headDim : (bh+1)*kLen*headDim]
				v := value.Data[bh*kLen*headDim : (bh+1)*kLen*headDim]

				var bias []float32
				if maskBias != nil {
					bias = maskBias.Data[b*kLen : (b+1)*kLen]
				}

				scores := make([]float32, kLen)
				probs := make([]float32, kLen)
				for i := 0; i < qLen; i++ {
					qi := q[i*headDim : (i+1)*headDim]
					for j := 0; j < kLen; j++ {
						var w float32
						if j <= offset+i {
							kj := k[j*headDim : (j+1)*headDim]
							for d := range qi {
								w += qi[d] * kj[d]
							}
						} else {
							w = maskValue
						}
						w /= scale
						if bias != nil {
							w += bias[j]
						}
						scores[j] = w
					}

					softmaxRow(probs, scores)
					if headMask != nil {
						for j := range probs {
							probs[j] *= headMask[h]
						}
					}
					if weights != nil {
						copy(weights.Data[(bh*qLen+i)*kLen:(bh*qLen+i+1)*kLen], probs)
					}

					ctx := context.Data[(bh*qLen+i)*headDim : (bh*qLen+i+1)*headDim]
					for j, p := range probs {
						if p == 0 {
							continue
						}
						vj := v[j*headDim : (j+1)*headDim]
						for d := range ctx {
							ctx[d] += p * vj[d]
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return context, weights, nil
}

// swapAxes12 transposes [a, b, c, d] to [a, c, b, d].
func swapAxes12(x *Tensor) *Tensor {
	a, b, c, d := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	result := NewTensor(a, c, b, d)
	result.Device = x.Device

	for i := 0; i < a; i++ {
		for j := 0; j < b; j++ {
			for k := 0; k < c; k++ {
				src := ((i*b+j)*c + k) * d
				dst := ((i*c+k)*b + j) * d
				copy(result.Data[dst:dst+d], x.Data[src:src+d])
			}
		}
	}
	return result
}
