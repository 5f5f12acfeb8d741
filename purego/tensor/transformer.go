package tensor

import "github.com/pkg/errors"

// GPTJBlock implements a GPT-J layer: one layer norm feeding attention and
// the MLP in parallel, both added onto the residual.
type GPTJBlock struct {
	LN1       *LayerNormLayer
	Attention *GPTJAttention
	MLP       *FeedForward
	Device    Device
}

// NewGPTJBlock creates a block without weights
func NewGPTJBlock(config *GPTJConfig, rotary *RotaryEmbedding) *GPTJBlock {
	return &GPTJBlock{
		LN1:       &LayerNormLayer{Eps: config.LayerNormEps},
		Attention: NewGPTJAttention(config, rotary),
		MLP: &FeedForward{
			Hidden: config.Hidden,
			FFNDim: config.InnerDim(),
		},
	}
}

// Forward applies the block. in.Hidden must already live on the block's device.
func (block *GPTJBlock) Forward(in *LayerInput) (*LayerOutput, error) {
	if in.Hidden.Device != block.Device {
		return nil, errors.Wrapf(ErrDeviceMismatch, "block on %v received hidden states on %v", block.Device, in.Hidden.Device)
	}

	residual := in.Hidden
	normed := block.LN1.Forward(residual)

	attnIn := *in
	attnIn.Hidden = normed
	out, err := block.Attention.Forward(&attnIn)
	if err != nil {
		return nil, err
	}

	feedForward := block.MLP.Forward(normed)

	hidden := out.Hidden
	for i := range hidden.Data {
		hidden.Data[i] += feedForward.Data[i] + residual.Data[i]
	}
	out.Hidden = hidden
	return out, nil
}

// To moves the block's parameters to dev
func (block *GPTJBlock) To(dev Device) {
	block.Device = dev
	block.LN1.Weight = block.LN1.Weight.To(dev)
	block.LN1.Bias = block.LN1.Bias.To(dev)

	attn := block.Attention
	attn.QWeight = attn.QWeight.To(dev)
	attn.KWeight = attn.KWeight.To(dev)
	attn.VWeight = attn.VWeight.To(dev)
	attn.OutWeight = attn.OutWeight.To(dev)

	block.MLP.W1 = block.MLP.W1.To(dev)
	block.MLP.B1 = block.MLP.B1.To(dev)
	block.MLP.W2 = block.MLP.W2.To(dev)
	block.MLP.B2 = block.MLP.B2.To(dev)
}

// FeedForward implements the feed-forward network
type FeedForward struct {
	W1     *Tensor // fc_in [hidden, ffn_dim]
	B1     *Tensor // [ffn_dim]
	W2     *Tensor // fc_out [ffn_dim, hidden]
	B2     *Tensor // [hidden]
	Hidden int
	FFNDim int
}

// Forward applies fc_in, gelu_new and fc_out
func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	h := Linear(x, ffn.W1, ffn.B1)
	h = GELU(h)
	return Linear(h, ffn.W2, ffn.B2)
}

// LayerNormLayer wraps layer normalization with parameters
type LayerNormLayer struct {
	Weight *Tensor
	Bias   *Tensor
	Eps    float32
}

// Forward applies layer normalization
func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}
