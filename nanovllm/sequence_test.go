package nanovllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceCreation(t *testing.T) {
	sp, err := NewSamplingParams(WithTemperature(0.8), WithMaxTokens(100), WithTopK(5), WithTopP(0.9))
	require.NoError(t, err)

	seq := NewSequence([]int{1, 2, 3, 4, 5}, sp)
	assert.Equal(t, 5, seq.Len())
	assert.Equal(t, 5, seq.NumPromptTokens)
	assert.Equal(t, 0, seq.NumCompletionTokens())
	assert.Equal(t, StatusWaiting, seq.Status)
	assert.Equal(t, 5, seq.TopK)
	assert.Equal(t, 0.9, seq.TopP)
	assert.Equal(t, 100, seq.RemainingTokens())
	assert.Equal(t, 64, seq.FinalLen(64))
	assert.Equal(t, 105, seq.FinalLen(2048))
}

func TestSequenceAppendToken(t *testing.T) {
	seq := newTestSequence(t, 3)
	seq.AppendToken(4)

	assert.Equal(t, 4, seq.Len())
	assert.Equal(t, 4, seq.LastToken)
	assert.Equal(t, 1, seq.NumCompletionTokens())
	assert.Equal(t, []int{4}, seq.CompletionTokenIDs())
	assert.Equal(t, []int{0, 1, 2}, seq.PromptTokenIDs())
}

func TestSequenceBlocks(t *testing.T) {
	seq := newTestSequence(t, 600)

	assert.Equal(t, 3, seq.NumBlocks())
	assert.Len(t, seq.Block(0), 256)
	assert.Len(t, seq.Block(2), 600-2*256)
	assert.Equal(t, 600-2*256, seq.LastBlockNumTokens())
	assert.Nil(t, seq.Block(3))
}

func TestSamplingParams(t *testing.T) {
	sp, err := NewSamplingParams(
		WithTemperature(0.7),
		WithMaxTokens(128),
		WithIgnoreEOS(true),
	)
	require.NoError(t, err)

	assert.Equal(t, 0.7, sp.Temperature)
	assert.Equal(t, 128, sp.MaxTokens)
	assert.True(t, sp.IgnoreEOS)
	assert.Equal(t, 1.0, sp.TopP)
}

func TestSamplingParamsValidation(t *testing.T) {
	_, err := NewSamplingParams(WithTemperature(0))
	assert.NoError(t, err, "temperature 0 selects greedy decoding")

	invalid := map[string]SamplingOption{
		"negative temperature": WithTemperature(-0.1),
		"negative top-k":       WithTopK(-1),
		"zero top-p":           WithTopP(0),
		"top-p above one":      WithTopP(1.5),
		"no tokens":            WithMaxTokens(0),
	}
	for name, opt := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := NewSamplingParams(opt)
			assert.Error(t, err)
		})
	}
}

func TestConfigValidation(t *testing.T) {
	config, err := NewConfig("", WithNumDevices(2), WithStaticShapes(true), WithSeed(3))
	require.NoError(t, err)
	assert.Equal(t, 2, config.NumDevices)
	assert.True(t, config.StaticShapes)

	_, err = NewConfig(t.TempDir() + "/missing")
	assert.Error(t, err)
	_, err = NewConfig("", WithKVCacheBlockSize(100))
	assert.Error(t, err)
	_, err = NewConfig("", WithNumDevices(9))
	assert.Error(t, err)
	_, err = NewConfig("", WithMaxModelLen(4096), WithMaxNumBatchedTokens(1024))
	assert.Error(t, err)
}

func TestIDTokenizer(t *testing.T) {
	tok := NewIDTokenizer(9, 10)

	ids, err := tok.Encode(" 1 2\t3\n")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	_, err = tok.Encode("1 x")
	assert.Error(t, err)
	_, err = tok.Encode("10")
	assert.Error(t, err)

	text, err := tok.Decode([]int{4, 9, 5})
	require.NoError(t, err)
	assert.Equal(t, "4 5", text)
	assert.Equal(t, 9, tok.EOSTokenID())
}
