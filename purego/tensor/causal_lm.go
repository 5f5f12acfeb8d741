package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// IgnoreIndex marks label positions that do not contribute to the loss.
const IgnoreIndex = -100

// GPTJForCausalLM is GPT-J with a language-model head.
type GPTJForCausalLM struct {
	Transformer *GPTJModel
	LMHead      *Tensor // [hidden, vocab_size]
	LMHeadBias  *Tensor // [vocab_size]
}

// CausalLMOutput is the result of GPTJForCausalLM.Forward.
type CausalLMOutput struct {
	Logits *Tensor // [batch, seq, vocab_size]

	// Loss is the mean next-token cross-entropy. It is only computed when
	// labels are passed, and is NaN if every label is IgnoreIndex.
	Loss    float64
	HasLoss bool

	PastKeyValues *KVCache
	HiddenStates  []*Tensor
	Attentions    []*Tensor
}

// GenerationState holds the optional inputs a decoding loop carries between steps.
type GenerationState struct {
	AttentionMask [][]int
	PositionIDs   [][]int
	TokenTypeIDs  [][]int
	InputsEmbeds  *Tensor
	UseCache      *bool
	TokenIdx      int
}

// NewGPTJForCausalLM creates a causal LM without weights
func NewGPTJForCausalLM(config *GPTJConfig) *GPTJForCausalLM {
	return &GPTJForCausalLM{Transformer: NewGPTJModel(config)}
}

// Config returns the model configuration
func (lm *GPTJForCausalLM) Config() *GPTJConfig {
	return lm.Transformer.Config
}

// PrepareInputsForGeneration builds the forward input for the next decoding
// step. Once a cache exists only one column of ids, token types and derived
// positions is fed: the last one, or the one at TokenIdx-1 when a token
// index is set.
func (lm *GPTJForCausalLM) PrepareInputsForGeneration(ids [][]int, past *KVCache, state GenerationState) *ModelInput {
	hasPast := !past.Empty()
	col := -1
	if state.TokenIdx > 0 {
		col = state.TokenIdx - 1
	}

	tokenTypes := state.TokenTypeIDs
	if hasPast {
		ids = selectColumn(ids, col)
		if tokenTypes != nil {
			tokenTypes = selectColumn(tokenTypes, col)
		}
	}

	positionIDs := state.PositionIDs
	if state.AttentionMask != nil && positionIDs == nil {
		positionIDs = positionsFromMask(state.AttentionMask)
		if hasPast {
			positionIDs = selectColumn(positionIDs, col)
		}
	}

	in := &ModelInput{
		PastKeyValues: past,
		UseCache:      state.UseCache,
		PositionIDs:   positionIDs,
		AttentionMask: state.AttentionMask,
		TokenTypeIDs:  tokenTypes,
		TokenIdx:      state.TokenIdx,
	}
	if state.InputsEmbeds != nil && !hasPast {
		in.InputsEmbeds = state.InputsEmbeds
	} else {
		in.InputIDs = ids
	}
	return in
}

// Forward runs the transformer and the LM head. If labels is non-nil the
// shifted cross-entropy loss is computed as well.
func (lm *GPTJForCausalLM) Forward(in *ModelInput, labels [][]int) (*CausalLMOutput, error) {
	out, err := lm.Transformer.Forward(in)
	if err != nil {
		return nil, err
	}

	hidden := out.LastHiddenState
	if lm.Transformer.ModelParallel {
		hidden = hidden.To(lm.LMHead.Device)
	}
	logits := Linear(hidden, lm.LMHead, lm.LMHeadBias)

	result := &CausalLMOutput{
		Logits:        logits,
		PastKeyValues: out.PastKeyValues,
		HiddenStates:  out.HiddenStates,
		Attentions:    out.Attentions,
	}
	if labels != nil {
		loss, err := shiftedCrossEntropy(logits, labels)
		if err != nil {
			return nil, err
		}
		result.Loss, result.HasLoss = loss, true
	}
	return result, nil
}

// TokenLogits returns the vocabulary logits at (batch b, position s).
func TokenLogits(logits *Tensor, b, s int) []float32 {
	seqLen, vocab := logits.Shape[1], logits.Shape[2]
	off := (b*seqLen + s) * vocab
	return logits.Data[off : off+vocab]
}

// Parallelize spreads the blocks over accelerators; the LM head stays with the embeddings.
func (lm *GPTJForCausalLM) Parallelize(dm DeviceMap) error {
	if err := lm.Transformer.Parallelize(dm); err != nil {
		return err
	}
	lm.LMHead = lm.LMHead.To(lm.Transformer.FirstDevice)
	lm.LMHeadBias = lm.LMHeadBias.To(lm.Transformer.FirstDevice)
	return nil
}

// Deparallelize moves the whole model back to the CPU.
func (lm *GPTJForCausalLM) Deparallelize() {
	lm.Transformer.Deparallelize()
	lm.LMHead = lm.LMHead.To(CPU)
	lm.LMHeadBias = lm.LMHeadBias.To(CPU)
}

func shiftedCrossEntropy(logits *Tensor, labels [][]int) (float64, error) {
	batchSize, seqLen := logits.Shape[0], logits.Shape[1]
	if err := checkRows(labels, batchSize, seqLen); err != nil {
		return 0, errors.WithMessage(err, "labels")
	}

	var total float64
	count := 0
	for b := 0; b < batchSize; b++ {
		for s := 0; s+1 < seqLen; s++ {
			target := labels[b][s+1]
			if target == IgnoreIndex {
				continue
			}
			row := TokenLogits(logits, b, s)
			if target < 0 || target >= len(row) {
				return 0, errors.Errorf("label %d out of range for vocabulary of %d", target, len(row))
			}
			total += logSumExp(row) - float64(row[target])
			count++
		}
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return total / float64(count), nil
}

func logSumExp(row []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range row {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}

// positionsFromMask numbers the attended positions of each row from zero;
// masked positions get position 1.
func positionsFromMask(mask [][]int) [][]int {
	positions := make([][]int, len(mask))
	for b, row := range mask {
		positions[b] = make([]int, len(row))
		running := 0
		for i, m := range row {
			running += m
			if m == 0 {
				positions[b][i] = 1
			} else {
				positions[b][i] = running - 1
			}
		}
	}
	return positions
}

// selectColumn returns column col of every row as a [batch][1] slice; -1 selects the last column.
func selectColumn(rows [][]int, col int) [][]int {
	out := make([][]int, len(rows))
	for b, row := range rows {
		c := col
		if c < 0 {
			c = len(row) - 1
		}
		out[b] = []int{row[c]}
	}
	return out
}
