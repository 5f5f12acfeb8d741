package tensor

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelInput is one call of the GPT-J forward pass. Either InputIDs or
// InputsEmbeds must be set, not both.
type ModelInput struct {
	InputIDs     [][]int // [batch][seq]
	InputsEmbeds *Tensor // [batch, seq, hidden]

	PastKeyValues *KVCache
	AttentionMask [][]int // [batch][key_len], 1 = attend, 0 = masked
	TokenTypeIDs  [][]int // [batch][seq]
	PositionIDs   [][]int // [batch][seq]
	HeadMask      *Tensor // [heads] or [layers, heads]

	// UseCache defaults to the config's use_cache when nil.
	UseCache           *bool
	OutputAttentions   bool
	OutputHiddenStates bool

	// TokenIdx is the 1-based cache slot to decode into; zero means append.
	TokenIdx int
}

// ModelOutput is the result of GPTJModel.Forward.
type ModelOutput struct {
	LastHiddenState *Tensor
	PastKeyValues   *KVCache  // nil unless the cache was used
	HiddenStates    []*Tensor // embeddings plus one per layer, if requested
	Attentions      []*Tensor // one per layer, if requested
}

// Bool returns a pointer to v, for optional input flags.
func Bool(v bool) *bool {
	return &v
}

// GPTJModel is the GPT-J transformer without the language-model head.
type GPTJModel struct {
	Config *GPTJConfig

	WTE     *Tensor // [vocab_size, hidden]
	Blocks  []*GPTJBlock
	LNFinal *LayerNormLayer
	Rotary  *RotaryEmbedding

	// Pipeline placement, set by Parallelize.
	ModelParallel bool
	DeviceMap     DeviceMap
	FirstDevice   Device
	LastDevice    Device

	GradientCheckpointing bool
	Training              bool

	checkpointWarning sync.Once
}

// NewGPTJModel creates a model without weights
func NewGPTJModel(config *GPTJConfig) *GPTJModel {
	base := config.RoPEBase
	if base == 0 {
		base = 10000.0
	}
	rotary := NewRotaryEmbedding(config.RotaryDims(), config.MaxPositions, base)

	model := &GPTJModel{
		Config:  config,
		Blocks:  make([]*GPTJBlock, config.NumLayers),
		LNFinal: &LayerNormLayer{Eps: config.LayerNormEps},
		Rotary:  rotary,
	}
	for i := range model.Blocks {
		model.Blocks[i] = NewGPTJBlock(config, rotary)
	}
	return model
}

// Forward runs the embeddings, every block and the final layer norm.
func (m *GPTJModel) Forward(in *ModelInput) (*ModelOutput, error) {
	if in.InputIDs != nil && in.InputsEmbeds != nil {
		return nil, ErrInputsConflict
	}
	if in.InputIDs == nil && in.InputsEmbeds == nil {
		return nil, ErrNoInputs
	}

	var hidden *Tensor
	if in.InputIDs != nil {
		var err error
		if hidden, err = m.embed(in.InputIDs); err != nil {
			return nil, errors.WithMessage(err, "input_ids")
		}
	} else {
		hidden = in.InputsEmbeds.To(m.FirstDevice).Clone()
	}
	batchSize, seqLen := hidden.Shape[0], hidden.Shape[1]

	if in.TokenTypeIDs != nil {
		tokenTypes, err := m.embed(in.TokenTypeIDs)
		if err != nil {
			return nil, errors.WithMessage(err, "token_type_ids")
		}
		if tokenTypes.Size() != hidden.Size() {
			return nil, errors.Errorf("token_type_ids shape %v does not match inputs %v", tokenTypes.Shape, hidden.Shape)
		}
		for i := range hidden.Data {
			hidden.Data[i] += tokenTypes.Data[i]
		}
	}

	past := in.PastKeyValues
	if past != nil && past.NumLayers() != len(m.Blocks) {
		return nil, errors.Wrapf(ErrCacheMisaligned, "cache has %d layers, model has %d", past.NumLayers(), len(m.Blocks))
	}

	positionIDs := in.PositionIDs
	if positionIDs == nil {
		// Counted from the cache length even with a token index, where the
		// cache is preallocated; such callers pass explicit positions.
		positionIDs = rangeRows(batchSize, past.SeqLen(), seqLen)
	} else if err := checkRows(positionIDs, batchSize, seqLen); err != nil {
		return nil, errors.WithMessage(err, "position_ids")
	}

	var maskBias *Tensor
	if in.AttentionMask != nil {
		var err error
		if maskBias, err = attentionMaskBias(in.AttentionMask, batchSize); err != nil {
			return nil, err
		}
	}

	headMasks, err := m.headMaskPerLayer(in.HeadMask)
	if err != nil {
		return nil, err
	}

	useCache := m.Config.UseCache
	if in.UseCache != nil {
		useCache = *in.UseCache
	}
	if m.GradientCheckpointing && m.Training && useCache {
		m.checkpointWarning.Do(func() {
			klog.Warning("use_cache=true is incompatible with gradient checkpointing, setting use_cache=false")
		})
		useCache = false
	}

	out := &ModelOutput{}
	var presents *KVCache
	if useCache {
		presents = NewKVCache(len(m.Blocks))
	}

	for i, block := range m.Blocks {
		pastKey, pastValue := past.GetLayer(i)
		layerMask := maskBias
		if m.ModelParallel {
			// The relocated past is written back so that in-place updates land in the caller's cache.
			pastKey, pastValue = pastKey.To(block.Device), pastValue.To(block.Device)
			if past != nil {
				past.SetLayer(i, pastKey, pastValue)
			}
			layerMask = maskBias.To(block.Device)
		}

		if in.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}

		layerIn := &LayerInput{
			Hidden:           hidden,
			PastKey:          pastKey,
			PastValue:        pastValue,
			MaskBias:         layerMask,
			PositionIDs:      positionIDs,
			HeadMask:         headMasks[i],
			UseCache:         useCache,
			OutputAttentions: in.OutputAttentions,
			TokenIdx:         in.TokenIdx,
		}

		var layerOut *LayerOutput
		if m.GradientCheckpointing && m.Training {
			layerOut, err = checkpoint(block.Forward, layerIn)
		} else {
			layerOut, err = block.Forward(layerIn)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %d", i)
		}

		hidden = layerOut.Hidden
		if useCache {
			presents.SetLayer(i, layerOut.PresentKey, layerOut.PresentValue)
		}
		if in.OutputAttentions {
			out.Attentions = append(out.Attentions, layerOut.Attention)
		}

		if m.ModelParallel {
			if k, last := m.DeviceMap.IsLastOnDevice(i); last && Accelerator(k) != m.LastDevice {
				hidden = hidden.To(Accelerator(k + 1))
			}
		}
	}

	hidden = m.LNFinal.Forward(hidden)
	if in.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}

	out.LastHiddenState = hidden
	out.PastKeyValues = presents
	return out, nil
}

// checkpoint runs a block the way activation checkpointing does during
// training: only the hidden state, mask, positions and head mask reach the
// block. The past and the token index are withheld, so the caller's cache
// is never read or written.
func checkpoint(fn func(*LayerInput) (*LayerOutput, error), in *LayerInput) (*LayerOutput, error) {
	return fn(&LayerInput{
		Hidden:           in.Hidden,
		MaskBias:         in.MaskBias,
		PositionIDs:      in.PositionIDs,
		HeadMask:         in.HeadMask,
		UseCache:         in.UseCache,
		OutputAttentions: in.OutputAttentions,
	})
}

// embed looks rows of ids up in the token embedding table
func (m *GPTJModel) embed(ids [][]int) (*Tensor, error) {
	batchSize := len(ids)
	if batchSize == 0 {
		return nil, errors.New("empty batch")
	}
	seqLen := len(ids[0])
	if err := checkRows(ids, batchSize, seqLen); err != nil {
		return nil, err
	}

	hidden := m.Config.Hidden
	vocab := m.WTE.Shape[0]
	result := NewTensor(batchSize, seqLen, hidden)
	result.Device = m.WTE.Device

	for b, row := range ids {
		for s, id := range row {
			if id < 0 || id >= vocab {
				return nil, errors.Errorf("token id %d out of range for vocabulary of %d", id, vocab)
			}
			dst := (b*seqLen + s) * hidden
			copy(result.Data[dst:dst+hidden], m.WTE.Data[id*hidden:(id+1)*hidden])
		}
	}
	return result, nil
}

// headMaskPerLayer expands a [heads] or [layers, heads] head mask to one slice per layer.
func (m *GPTJModel) headMaskPerLayer(headMask *Tensor) ([][]float32, error) {
	masks := make([][]float32, len(m.Blocks))
	if headMask == nil {
		return masks, nil
	}

	heads := m.Config.NumHeads
	switch {
	case len(headMask.Shape) == 1 && headMask.Shape[0] == heads:
		for i := range masks {
			masks[i] = headMask.Data
		}
	case len(headMask.Shape) == 2 && headMask.Shape[0] == len(m.Blocks) && headMask.Shape[1] == heads:
		for i := range masks {
			masks[i] = headMask.Data[i*heads : (i+1)*heads]
		}
	default:
		return nil, errors.Errorf("head_mask shape %v must be [%d] or [%d, %d]", headMask.Shape, heads, len(m.Blocks), heads)
	}
	return masks, nil
}

// Parallelize places the blocks on accelerators according to dm. A nil map
// puts every layer on accelerator 0.
func (m *GPTJModel) Parallelize(dm DeviceMap) error {
	if dm == nil {
		dm = BalancedDeviceMap(len(m.Blocks), 1)
	}
	if err := AssertDeviceMap(dm, len(m.Blocks)); err != nil {
		return err
	}

	devices := dm.Devices()
	m.DeviceMap = dm
	m.ModelParallel = true
	m.FirstDevice = Accelerator(devices[0])
	m.LastDevice = Accelerator(devices[len(devices)-1])

	m.WTE = m.WTE.To(m.FirstDevice)
	for _, k := range devices {
		for _, layer := range dm[k] {
			m.Blocks[layer].To(Accelerator(k))
		}
		klog.V(1).Infof("placed layers %v on %v", dm[k], Accelerator(k))
	}
	m.LNFinal.Weight = m.LNFinal.Weight.To(m.LastDevice)
	m.LNFinal.Bias = m.LNFinal.Bias.To(m.LastDevice)
	return nil
}

// Deparallelize moves everything back to the CPU.
func (m *GPTJModel) Deparallelize() {
	m.ModelParallel = false
	m.DeviceMap = nil
	m.FirstDevice = CPU
	m.LastDevice = CPU

	m.WTE = m.WTE.To(CPU)
	for _, block := range m.Blocks {
		block.To(CPU)
	}
	m.LNFinal.Weight = m.LNFinal.Weight.To(CPU)
	m.LNFinal.Bias = m.LNFinal.Bias.To(CPU)
}

// PlaceCache moves every layer of kv onto the device of the block that owns it.
func (m *GPTJModel) PlaceCache(kv *KVCache) {
	for i, block := range m.Blocks {
		k, v := kv.GetLayer(i)
		kv.SetLayer(i, k.To(block.Device), v.To(block.Device))
	}
}

// attentionMaskBias turns a 0/1 mask into the additive bias (1 - mask) * float32 min.
func attentionMaskBias(mask [][]int, batchSize int) (*Tensor, error) {
	if len(mask) != batchSize {
		return nil, errors.Errorf("attention_mask has %d rows, batch size is %d", len(mask), batchSize)
	}
	keyLen := len(mask[0])
	if err := checkRows(mask, batchSize, keyLen); err != nil {
		return nil, errors.WithMessage(err, "attention_mask")
	}

	bias := NewTensor(batchSize, keyLen)
	for b, row := range mask {
		for j, v := range row {
			bias.Data[b*keyLen+j] = (1 - float32(v)) * maskValue
		}
	}
	return bias, nil
}

func rangeRows(batchSize, start, n int) [][]int {
	rows := make([][]int, batchSize)
	for b := range rows {
		rows[b] = make([]int, n)
		for i := range rows[b] {
			rows[b][i] = start + i
		}
	}
	return rows
}

func checkRows(rows [][]int, batchSize, n int) error {
	if len(rows) != batchSize {
		return fmt.Errorf("got %d rows, want %d", len(rows), batchSize)
	}
	for i, row := range rows {
		if len(row) != n {
			return fmt.Errorf("row %d has %d entries, want %d", i, len(row), n)
		}
	}
	return nil
}
