package nanovllm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner emits prompt length + completion count as the next token and
// records the calls it receives.
type countingRunner struct {
	eos      int
	eosAfter map[int64]int // finish a sequence with EOS after this many tokens
	prefills []int64
	decodes  int
	freed    []int64
	active   map[int64]bool
}

func newCountingRunner(eos int) *countingRunner {
	return &countingRunner{eos: eos, eosAfter: map[int64]int{}, active: map[int64]bool{}}
}

func (r *countingRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	out := make([]int, len(seqs))
	for i, seq := range seqs {
		if isPrefill {
			r.prefills = append(r.prefills, seq.SeqID)
			r.active[seq.SeqID] = true
		} else {
			if !r.active[seq.SeqID] {
				return nil, errors.Errorf("decode of sequence %d without prefill", seq.SeqID)
			}
			r.decodes++
		}
		out[i] = 100 + seq.NumCompletionTokens()
		if n, ok := r.eosAfter[seq.SeqID]; ok && seq.NumCompletionTokens() == n {
			out[i] = r.eos
		}
	}
	return out, nil
}

func (r *countingRunner) Free(seq *Sequence) {
	r.freed = append(r.freed, seq.SeqID)
	delete(r.active, seq.SeqID)
}

func (r *countingRunner) Close() error { return nil }

func newTestEngine(t *testing.T, runner ModelRunner, opts ...ConfigOption) *LLMEngine {
	t.Helper()
	config, err := NewConfig("", append([]ConfigOption{WithEOS(2)}, opts...)...)
	require.NoError(t, err)
	return NewLLMEngine(config, runner, NewIDTokenizer(2, 0))
}

func TestGenerateReturnsOutputsInPromptOrder(t *testing.T) {
	runner := newCountingRunner(2)
	engine := newTestEngine(t, runner)

	long, err := NewSamplingParams(WithMaxTokens(5))
	require.NoError(t, err)
	short, err := NewSamplingParams(WithMaxTokens(2))
	require.NoError(t, err)

	// The first prompt finishes last.
	outputs, err := engine.Generate([]interface{}{[]int{7, 8, 9}, "4 5"}, []*SamplingParams{long, short}, false)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, []int{100, 101, 102, 103, 104}, outputs[0].TokenIDs)
	assert.Equal(t, "100 101 102 103 104", outputs[0].Text)
	assert.Equal(t, []int{100, 101}, outputs[1].TokenIDs)
	assert.Less(t, outputs[0].SeqID, outputs[1].SeqID)

	assert.Len(t, runner.prefills, 2)
	assert.Equal(t, 5, runner.decodes, "4 decodes for the first prompt and 1 for the second")
	assert.ElementsMatch(t, []int64{outputs[0].SeqID, outputs[1].SeqID}, runner.freed)
	assert.Empty(t, runner.active)

	stats := engine.Stats()
	assert.Equal(t, 5, stats.PrefillTokens)
	assert.Equal(t, 5, stats.DecodeTokens)
}

func TestGenerateStopsAtEOS(t *testing.T) {
	runner := newCountingRunner(2)
	engine := newTestEngine(t, runner)

	sp, err := NewSamplingParams(WithMaxTokens(10))
	require.NoError(t, err)
	seqID, err := engine.AddRequest([]int{1, 2, 3}, sp)
	require.NoError(t, err)
	runner.eosAfter[seqID] = 3

	var outputs []Output
	for !engine.IsFinished() {
		out, _, err := engine.Step()
		require.NoError(t, err)
		outputs = append(outputs, out...)
	}
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{100, 101, 102, 2}, outputs[0].TokenIDs)
	assert.Equal(t, "100 101 102", outputs[0].Text)
}

func TestPreemptedSequencesAreFreedAndPrefilledAgain(t *testing.T) {
	runner := newCountingRunner(2)
	// Two blocks of 256: both prompts fit, but the first one to cross a block
	// boundary forces the other out.
	engine := newTestEngine(t, runner, WithNumKVCacheBlocks(2), WithMaxNumSeqs(2))

	sp, err := NewSamplingParams(WithMaxTokens(4), WithIgnoreEOS(true))
	require.NoError(t, err)
	prompt := make([]int, 255)
	for i := range prompt {
		prompt[i] = 10
	}
	other := append([]int{11}, prompt[1:]...)

	outputs, err := engine.Generate([]interface{}{prompt, other}, sp, false)
	require.NoError(t, err)
	for _, out := range outputs {
		assert.Len(t, out.TokenIDs, 4)
	}
	assert.Greater(t, len(runner.prefills), 2, "a preempted sequence is prefilled again")
	assert.Greater(t, len(runner.freed), 2, "preemption frees runner state")
	assert.Empty(t, runner.active)
}

func TestAddRequestValidation(t *testing.T) {
	engine := newTestEngine(t, newCountingRunner(2), WithMaxModelLen(8), WithMaxNumBatchedTokens(64))
	sp, err := NewSamplingParams()
	require.NoError(t, err)

	_, err = engine.AddRequest([]int{}, sp)
	assert.Error(t, err)
	_, err = engine.AddRequest(make([]int, 8), sp)
	assert.Error(t, err)
	_, err = engine.AddRequest(3.5, sp)
	assert.Error(t, err)
	_, err = engine.AddRequest("1 nope", sp)
	assert.Error(t, err)
}

func TestSchedulerFinishesAtModelLength(t *testing.T) {
	runner := newCountingRunner(2)
	engine := newTestEngine(t, runner, WithMaxModelLen(6), WithMaxNumBatchedTokens(64))

	sp, err := NewSamplingParams(WithMaxTokens(50), WithIgnoreEOS(true))
	require.NoError(t, err)
	outputs, err := engine.Generate([]interface{}{[]int{1, 2, 3, 4}}, sp, false)
	require.NoError(t, err)
	assert.Len(t, outputs[0].TokenIDs, 2)
}
