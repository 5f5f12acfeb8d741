package purego

import (
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"nano-gptj-go/nanovllm"
	"nano-gptj-go/purego/tensor"
)

// GPTJModelRunner implements nanovllm.ModelRunner on the pure Go GPT-J model.
// Each sequence keeps its own KV cache between steps.
type GPTJModelRunner struct {
	lm          *tensor.GPTJForCausalLM
	static      bool
	maxLen      int
	rng         *rand.Rand
	states      map[int64]*sequenceState
	initialized bool
}

// sequenceState is what the runner carries for one sequence between steps.
type sequenceState struct {
	ids   []int
	mask  []int
	cache *tensor.KVCache

	// tokenIdx is the number of valid tokens in ids; with static shapes it
	// is also the 1-based cache slot written last.
	tokenIdx int
}

// NewGPTJModelRunner loads a GPT-J checkpoint directory
func NewGPTJModelRunner(modelDir string, config *nanovllm.Config) (*GPTJModelRunner, error) {
	lm, err := tensor.LoadFromDirectory(modelDir)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load model")
	}
	return NewGPTJModelRunnerFromModel(lm, config)
}

// NewGPTJModelRunnerFromModel wraps an already built model, splitting it over
// config.NumDevices accelerators when that is positive.
func NewGPTJModelRunnerFromModel(lm *tensor.GPTJForCausalLM, config *nanovllm.Config) (*GPTJModelRunner, error) {
	modelConfig := lm.Config()
	if config.NumDevices > 0 {
		dm := tensor.BalancedDeviceMap(modelConfig.NumLayers, config.NumDevices)
		if err := lm.Parallelize(dm); err != nil {
			return nil, err
		}
		klog.Infof("split %d layers over %d devices", modelConfig.NumLayers, len(dm))
	}
	if config.MaxModelLen > modelConfig.MaxPositions {
		klog.Warningf("max_model_len %d exceeds n_positions, using %d", config.MaxModelLen, modelConfig.MaxPositions)
		config.MaxModelLen = modelConfig.MaxPositions
	}

	return &GPTJModelRunner{
		lm:          lm,
		static:      config.StaticShapes,
		maxLen:      min(config.MaxModelLen, modelConfig.MaxPositions),
		rng:         rand.New(rand.NewSource(config.Seed)),
		states:      make(map[int64]*sequenceState),
		initialized: true,
	}, nil
}

// Model returns the wrapped causal LM
func (m *GPTJModelRunner) Model() *tensor.GPTJForCausalLM {
	return m.lm
}

// Run executes inference on the sequences
func (m *GPTJModelRunner) Run(seqs []*nanovllm.Sequence, isPrefill bool) ([]int, error) {
	if !m.initialized {
		return nil, errors.New("model runner not initialized")
	}
	if len(seqs) == 0 {
		return nil, errors.New("no sequences to process")
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		var logits []float32
		var err error
		if st, ok := m.states[seq.SeqID]; ok && !isPrefill {
			logits, err = m.decode(seq, st)
		} else {
			logits, err = m.prefill(seq)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "sequence %d", seq.SeqID)
		}

		params := &tensor.SamplingParams{
			Temperature: float32(seq.Temperature),
			TopK:        seq.TopK,
			TopP:        float32(seq.TopP),
		}
		tokenIDs[i] = tensor.Sample(logits, params, m.rng)
	}
	return tokenIDs, nil
}

// prefill runs the whole sequence without a cache and keeps the resulting
// cache. With static shapes the input is first padded to the sequence's final
// length, so the cache never changes shape afterwards.
func (m *GPTJModelRunner) prefill(seq *nanovllm.Sequence) ([]float32, error) {
	n := seq.Len()
	if n > m.maxLen {
		return nil, errors.Errorf("sequence of %d tokens exceeds the %d positions available", n, m.maxLen)
	}

	total := n
	if m.static {
		total = max(min(n+seq.RemainingTokens(), m.maxLen), n)
	}
	st := &sequenceState{
		ids:      make([]int, total),
		mask:     make([]int, total),
		tokenIdx: n,
	}
	copy(st.ids, seq.TokenIDs)
	pad := m.lm.Config().PadToken()
	for i := range st.ids {
		if i < n {
			st.mask[i] = 1
		} else {
			st.ids[i] = pad
		}
	}

	in := m.lm.PrepareInputsForGeneration([][]int{st.ids}, nil, tensor.GenerationState{
		AttentionMask: [][]int{st.mask},
		UseCache:      tensor.Bool(true),
	})
	out, err := m.lm.Forward(in, nil)
	if err != nil {
		return nil, err
	}
	st.cache = out.PastKeyValues
	m.states[seq.SeqID] = st

	return tensor.TokenLogits(out.Logits, 0, n-1), nil
}

// decode feeds the token sampled last. Dynamic sequences grow their cache;
// static ones write it into the preallocated slot at the token index.
func (m *GPTJModelRunner) decode(seq *nanovllm.Sequence, st *sequenceState) ([]float32, error) {
	if seq.Len() != st.tokenIdx+1 {
		return nil, errors.Wrapf(tensor.ErrCacheMisaligned, "runner holds %d tokens, sequence has %d", st.tokenIdx, seq.Len())
	}

	state := tensor.GenerationState{UseCache: tensor.Bool(true)}
	if m.static {
		if st.tokenIdx >= len(st.ids) {
			return nil, errors.Wrapf(tensor.ErrCacheMisaligned, "static cache of %d slots is full", len(st.ids))
		}
		st.tokenIdx++
		st.ids[st.tokenIdx-1] = seq.LastToken
		st.mask[st.tokenIdx-1] = 1
		state.TokenIdx = st.tokenIdx
	} else {
		st.tokenIdx++
		st.ids = append(st.ids, seq.LastToken)
		st.mask = append(st.mask, 1)
	}
	state.AttentionMask = [][]int{st.mask}

	in := m.lm.PrepareInputsForGeneration([][]int{st.ids}, st.cache, state)
	out, err := m.lm.Forward(in, nil)
	if err != nil {
		return nil, err
	}
	st.cache = out.PastKeyValues

	return tensor.TokenLogits(out.Logits, 0, 0), nil
}

// Free drops the cache of a finished or preempted sequence
func (m *GPTJModelRunner) Free(seq *nanovllm.Sequence) {
	delete(m.states, seq.SeqID)
}

// NumActive returns how many sequences currently hold a cache
func (m *GPTJModelRunner) NumActive() int {
	return len(m.states)
}

// Close cleans up resources
func (m *GPTJModelRunner) Close() error {
	m.states = make(map[int64]*sequenceState)
	m.initialized = false
	return nil
}
