package tensor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// ShardedModelIndex is the content of model.safetensors.index.json
type ShardedModelIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

// weightSet indexes tensors across one or more safetensors files.
type weightSet struct {
	infos map[string]TensorInfo
	data  map[string][]byte // tensor name -> data section of its file
}

// LoadFromDirectory loads a GPT-J checkpoint from a directory holding
// config.json and either model.safetensors or a sharded index.
func LoadFromDirectory(dir string) (*GPTJForCausalLM, error) {
	config, err := LoadConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}

	weights := &weightSet{infos: map[string]TensorInfo{}, data: map[string][]byte{}}
	indexPath := filepath.Join(dir, "model.safetensors.index.json")
	if _, err := os.Stat(indexPath); err == nil {
		if err := weights.addSharded(dir, indexPath); err != nil {
			return nil, err
		}
	} else if err := weights.addFile(filepath.Join(dir, "model.safetensors")); err != nil {
		return nil, err
	}

	return weights.build(config)
}

// LoadSafetensors loads GPT-J weights from a single safetensors file.
func LoadSafetensors(path string, config *GPTJConfig) (*GPTJForCausalLM, error) {
	weights := &weightSet{infos: map[string]TensorInfo{}, data: map[string][]byte{}}
	if err := weights.addFile(path); err != nil {
		return nil, err
	}
	return weights.build(config)
}

func (w *weightSet) addFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read weights")
	}
	if len(data) < 8 {
		return errors.Errorf("%s is too short to be a safetensors file", path)
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return errors.Errorf("%s: header size %d exceeds file size", path, headerSize)
	}
	tensorData := data[8+headerSize:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &header); err != nil {
		return errors.Wrapf(err, "failed to parse header of %s", path)
	}
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return errors.Wrapf(err, "tensor %s in %s", name, path)
		}
		if info.Offset[0] < 0 || info.Offset[1] > int64(len(tensorData)) || info.Offset[0] > info.Offset[1] {
			return errors.Errorf("tensor %s in %s has offsets %v outside the data section", name, path, info.Offset)
		}
		w.infos[name] = info
		w.data[name] = tensorData
	}

	klog.V(1).Infof("read %d tensors from %s", len(header), path)
	return nil
}

func (w *weightSet) addSharded(dir, indexPath string) error {
	indexData, err := os.ReadFile(indexPath)
	if err != nil {
		return errors.Wrap(err, "failed to read index file")
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(indexData, &index); err != nil {
		return errors.Wrap(err, "failed to parse index file")
	}

	shards := make(map[string]bool)
	for _, shard := range index.WeightMap {
		shards[shard] = true
	}
	names := make([]string, 0, len(shards))
	for shard := range shards {
		names = append(names, shard)
	}
	sort.Strings(names)

	klog.V(1).Infof("loading %d tensors from %d shards", len(index.WeightMap), len(names))
	for _, shard := range names {
		if err := w.addFile(filepath.Join(dir, shard)); err != nil {
			return errors.WithMessagef(err, "shard %s", shard)
		}
	}
	for name := range index.WeightMap {
		if _, ok := w.infos[name]; !ok {
			return errors.Errorf("tensor %s listed in the index is missing from its shard", name)
		}
	}
	return nil
}

// lookup resolves name with or without the "transformer." prefix.
func (w *weightSet) lookup(name string) (string, bool) {
	if _, ok := w.infos[name]; ok {
		return name, true
	}
	if _, ok := w.infos["transformer."+name]; ok {
		return "transformer." + name, true
	}
	return "", false
}

// load decodes a tensor and checks it has the expected shape.
func (w *weightSet) load(name string, shape ...int) (*Tensor, error) {
	key, ok := w.lookup(name)
	if !ok {
		return nil, errors.Errorf("tensor not found: %s", name)
	}
	info := w.infos[key]
	if !equalShape(info.Shape, shape) {
		return nil, errors.Errorf("tensor %s has shape %v, want %v", key, info.Shape, shape)
	}

	raw := w.data[key][info.Offset[0]:info.Offset[1]]
	data, err := decodeTensor(info.Dtype, raw, shapeSize(info.Shape))
	if err != nil {
		return nil, errors.WithMessage(err, key)
	}
	return FromData(data, info.Shape...), nil
}

// loadLinear loads a PyTorch [out, in] weight and transposes it to [in, out].
func (w *weightSet) loadLinear(name string, in, out int) (*Tensor, error) {
	t, err := w.load(name, out, in)
	if err != nil {
		return nil, err
	}
	return Transpose(t), nil
}

func (w *weightSet) build(config *GPTJConfig) (*GPTJForCausalLM, error) {
	lm := NewGPTJForCausalLM(config)
	model := lm.Transformer
	hidden, inner := config.Hidden, config.InnerDim()

	var err error
	if model.WTE, err = w.load("transformer.wte.weight", config.VocabSize, hidden); err != nil {
		return nil, err
	}

	for i, block := range model.Blocks {
		prefix := fmt.Sprintf("transformer.h.%d", i)
		attn := block.Attention
		steps := []struct {
			target **Tensor
			load   func() (*Tensor, error)
		}{
			{&block.LN1.Weight, func() (*Tensor, error) { return w.load(prefix+".ln_1.weight", hidden) }},
			{&block.LN1.Bias, func() (*Tensor, error) { return w.load(prefix+".ln_1.bias", hidden) }},
			{&attn.QWeight, func() (*Tensor, error) { return w.loadLinear(prefix+".attn.q_proj.weight", hidden, hidden) }},
			{&attn.KWeight, func() (*Tensor, error) { return w.loadLinear(prefix+".attn.k_proj.weight", hidden, hidden) }},
			{&attn.VWeight, func() (*Tensor, error) { return w.loadLinear(prefix+".attn.v_proj.weight", hidden, hidden) }},
			{&attn.OutWeight, func() (*Tensor, error) { return w.loadLinear(prefix+".attn.out_proj.weight", hidden, hidden) }},
			{&block.MLP.W1, func() (*Tensor, error) { return w.loadLinear(prefix+".mlp.fc_in.weight", hidden, inner) }},
			{&block.MLP.B1, func() (*Tensor, error) { return w.load(prefix+".mlp.fc_in.bias", inner) }},
			{&block.MLP.W2, func() (*Tensor, error) { return w.loadLinear(prefix+".mlp.fc_out.weight", inner, hidden) }},
			{&block.MLP.B2, func() (*Tensor, error) { return w.load(prefix+".mlp.fc_out.bias", hidden) }},
		}
		for _, step := range steps {
			if *step.target, err = step.load(); err != nil {
				return nil, errors.WithMessagef(err, "layer %d", i)
			}
		}
	}

	if model.LNFinal.Weight, err = w.load("transformer.ln_f.weight", hidden); err != nil {
		return nil, err
	}
	if model.LNFinal.Bias, err = w.load("transformer.ln_f.bias", hidden); err != nil {
		return nil, err
	}

	if _, ok := w.lookup("lm_head.weight"); ok && !config.TieWordEmbeddings {
		if lm.LMHead, err = w.loadLinear("lm_head.weight", hidden, config.VocabSize); err != nil {
			return nil, err
		}
	} else {
		lm.LMHead = Transpose(model.WTE)
	}
	if _, ok := w.lookup("lm_head.bias"); ok {
		if lm.LMHeadBias, err = w.load("lm_head.bias", config.VocabSize); err != nil {
			return nil, err
		}
	} else {
		lm.LMHeadBias = NewTensor(config.VocabSize)
	}

	klog.V(1).Infof("loaded GPT-J with %d layers", config.NumLayers)
	return lm, nil
}

func decodeTensor(dtype string, raw []byte, n int) ([]float32, error) {
	data := make([]float32, n)
	switch dtype {
	case "F32":
		if len(raw) != 4*n {
			return nil, errors.Errorf("F32 tensor of %d elements has %d bytes", n, len(raw))
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		if len(raw) != 2*n {
			return nil, errors.Errorf("F16 tensor of %d elements has %d bytes", n, len(raw))
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		if len(raw) != 2*n {
			return nil, errors.Errorf("BF16 tensor of %d elements has %d bytes", n, len(raw))
		}
		data = bfloat16.DecodeFloat32(raw)
	default:
		return nil, errors.Errorf("unsupported dtype: %s", dtype)
	}
	return data, nil
}

// StateDict returns the model's tensors under their checkpoint names, with
// linear weights in PyTorch [out, in] layout.
func (lm *GPTJForCausalLM) StateDict() map[string]*Tensor {
	model := lm.Transformer
	state := map[string]*Tensor{
		"transformer.wte.weight":  model.WTE,
		"transformer.ln_f.weight": model.LNFinal.Weight,
		"transformer.ln_f.bias":   model.LNFinal.Bias,
		"lm_head.weight":          Transpose(lm.LMHead),
		"lm_head.bias":            lm.LMHeadBias,
	}
	for i, block := range model.Blocks {
		prefix := fmt.Sprintf("transformer.h.%d", i)
		state[prefix+".ln_1.weight"] = block.LN1.Weight
		state[prefix+".ln_1.bias"] = block.LN1.Bias
		state[prefix+".attn.q_proj.weight"] = Transpose(block.Attention.QWeight)
		state[prefix+".attn.k_proj.weight"] = Transpose(block.Attention.KWeight)
		state[prefix+".attn.v_proj.weight"] = Transpose(block.Attention.VWeight)
		state[prefix+".attn.out_proj.weight"] = Transpose(block.Attention.OutWeight)
		state[prefix+".mlp.fc_in.weight"] = Transpose(block.MLP.W1)
		state[prefix+".mlp.fc_in.bias"] = block.MLP.B1
		state[prefix+".mlp.fc_out.weight"] = Transpose(block.MLP.W2)
		state[prefix+".mlp.fc_out.bias"] = block.MLP.B2
	}
	return state
}

// SaveSafetensors writes tensors as F32 into a single safetensors file.
func SaveSafetensors(path string, tensors map[string]*Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(4 * len(t.Data))
		header[name] = TensorInfo{Dtype: "F32", Shape: t.Shape, Offset: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header")
	}

	buf := make([]byte, 8+len(headerBytes)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	copy(buf[8:], headerBytes)
	data := buf[8+len(headerBytes):]
	for _, name := range names {
		start := header[name].Offset[0]
		for i, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(data[start+int64(4*i):], math.Float32bits(v))
		}
	}

	return errors.Wrap(os.WriteFile(path, buf, 0o644), "failed to write weights")
}

// SaveDirectory writes config.json and model.safetensors into dir.
func (lm *GPTJForCausalLM) SaveDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create model directory")
	}
	config, err := json.MarshalIndent(lm.Config(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return SaveSafetensors(filepath.Join(dir, "model.safetensors"), lm.StateDict())
}

func equalShape(a, b []int) bool {
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

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
