package tensor

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSaveAndLoadDirectory(t *testing.T) {
	lm := newTinyLM(t, 21)
	dir := t.TempDir()
	require.NoError(t, lm.SaveDirectory(dir))

	loaded, err := LoadFromDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, lm.Config().NumLayers, loaded.Config().NumLayers)
	assert.Equal(t, lm.Config().RotaryDim, loaded.Config().RotaryDim)

	want := fullLogits(t, lm, testPrompt)
	got := fullLogits(t, loaded, testPrompt)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)
}

func TestLoadShardedDirectory(t *testing.T) {
	lm := newTinyLM(t, 22)
	dir := t.TempDir()
	require.NoError(t, lm.SaveDirectory(dir))
	require.NoError(t, os.Remove(filepath.Join(dir, "model.safetensors")))

	state := lm.StateDict()
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	shards := []map[string]*Tensor{{}, {}}
	index := ShardedModelIndex{WeightMap: map[string]string{}}
	for i, name := range names {
		shard := i % 2
		shards[shard][name] = state[name]
		index.WeightMap[name] = []string{"model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors"}[shard]
	}
	require.NoError(t, SaveSafetensors(filepath.Join(dir, "model-00001-of-00002.safetensors"), shards[0]))
	require.NoError(t, SaveSafetensors(filepath.Join(dir, "model-00002-of-00002.safetensors"), shards[1]))
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), indexBytes, 0o644))

	loaded, err := LoadFromDirectory(dir)
	require.NoError(t, err)
	assert.InDeltaSlice(t, fullLogits(t, lm, testPrompt).Data, fullLogits(t, loaded, testPrompt).Data, 1e-6)
}

func TestLoadTiesMissingLMHead(t *testing.T) {
	lm := newTinyLM(t, 23)
	dir := t.TempDir()
	require.NoError(t, lm.SaveDirectory(dir))

	state := lm.StateDict()
	delete(state, "lm_head.weight")
	delete(state, "lm_head.bias")
	require.NoError(t, SaveSafetensors(filepath.Join(dir, "model.safetensors"), state))

	loaded, err := LoadFromDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, Transpose(loaded.Transformer.WTE).Data, loaded.LMHead.Data)
	assert.Equal(t, make([]float32, lm.Config().VocabSize), loaded.LMHeadBias.Data)
}

func TestLoadRejectsWrongShape(t *testing.T) {
	lm := newTinyLM(t, 24)
	dir := t.TempDir()
	require.NoError(t, lm.SaveDirectory(dir))

	state := lm.StateDict()
	state["transformer.h.1.mlp.fc_in.bias"] = NewTensor(3)
	require.NoError(t, SaveSafetensors(filepath.Join(dir, "model.safetensors"), state))

	_, err := LoadFromDirectory(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layer 1")
}

func TestLoadConfigRejectsOtherModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model_type": "gpt2", "n_embd": 16}`), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"n_embd": 16, "n_head": 2, "n_layer": 1, "rotary_dim": 4, "n_inner": null}`), 0o644))
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, config.HeadDim())
	assert.Equal(t, 64, config.InnerDim())
	assert.Equal(t, 50400, config.VocabSize, "missing fields keep GPT-J-6B defaults")
}

func TestDecodeHalfPrecision(t *testing.T) {
	values := []float32{1, -2.5, 0.125, 1024}

	f16 := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(f16[2*i:], float16.Fromfloat32(v).Bits())
	}
	got, err := decodeTensor("F16", f16, len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)

	got, err = decodeTensor("BF16", bfloat16.EncodeFloat32(values), len(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)

	_, err = decodeTensor("I8", make([]byte, 4), 4)
	assert.Error(t, err)
	_, err = decodeTensor("F32", make([]byte, 3), 1)
	assert.Error(t, err)
}

func TestLoadRejectsOversizedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data, ^uint64(0)-4)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var err error
	assert.NotPanics(t, func() { _, err = LoadSafetensors(path, tinyConfig()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header size")
}
