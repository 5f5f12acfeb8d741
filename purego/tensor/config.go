package tensor

import (
	"encoding/json"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GPTJConfig mirrors the fields of a GPT-J config.json.
type GPTJConfig struct {
	ModelType          string  `json:"model_type"`
	VocabSize          int     `json:"vocab_size"`
	MaxPositions       int     `json:"n_positions"`
	Hidden             int     `json:"n_embd"`
	NumLayers          int     `json:"n_layer"`
	NumHeads           int     `json:"n_head"`
	RotaryDim          int     `json:"rotary_dim"` // 0 rotates the whole head
	Inner              *int    `json:"n_inner"`    // nil means 4 * n_embd
	ActivationFunction string  `json:"activation_function"`
	LayerNormEps       float32 `json:"layer_norm_epsilon"`
	InitializerRange   float64 `json:"initializer_range"`
	UseCache           bool    `json:"use_cache"`
	BOSTokenID         int     `json:"bos_token_id"`
	EOSTokenID         int     `json:"eos_token_id"`
	PadTokenID         *int    `json:"pad_token_id"`
	TieWordEmbeddings  bool    `json:"tie_word_embeddings"`

	// RoPEBase is not part of config.json; GPT-J always uses 10000.
	RoPEBase float64 `json:"-"`
}

// NewGPTJConfig returns the GPT-J-6B configuration.
func NewGPTJConfig() *GPTJConfig {
	return &GPTJConfig{
		ModelType:          "gptj",
		VocabSize:          50400,
		MaxPositions:       2048,
		Hidden:             4096,
		NumLayers:          28,
		NumHeads:           16,
		RotaryDim:          64,
		ActivationFunction: "gelu_new",
		LayerNormEps:       1e-5,
		InitializerRange:   0.02,
		UseCache:           true,
		BOSTokenID:         50256,
		EOSTokenID:         50256,
		TieWordEmbeddings:  false,
		RoPEBase:           10000.0,
	}
}

// HeadDim returns the per-head dimension
func (c *GPTJConfig) HeadDim() int {
	return c.Hidden / c.NumHeads
}

// InnerDim returns the feed-forward width
func (c *GPTJConfig) InnerDim() int {
	if c.Inner != nil && *c.Inner > 0 {
		return *c.Inner
	}
	return 4 * c.Hidden
}

// RotaryDims returns how many leading features of each head are rotated
func (c *GPTJConfig) RotaryDims() int {
	if c.RotaryDim > 0 {
		return c.RotaryDim
	}
	return c.HeadDim()
}

// PadToken returns the pad token id, falling back to EOS.
func (c *GPTJConfig) PadToken() int {
	if c.PadTokenID != nil {
		return *c.PadTokenID
	}
	return c.EOSTokenID
}

// Validate checks the shape constraints the forward pass depends on.
func (c *GPTJConfig) Validate() error {
	switch {
	case c.Hidden <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0 || c.VocabSize <= 0 || c.MaxPositions <= 0:
		return errors.Errorf("model dimensions must be positive: %+v", *c)
	case c.Hidden%c.NumHeads != 0:
		return errors.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.Hidden, c.NumHeads)
	case c.RotaryDims() > c.HeadDim():
		return errors.Errorf("rotary_dim (%d) exceeds head dimension (%d)", c.RotaryDim, c.HeadDim())
	case c.RotaryDims()%2 != 0:
		return errors.Errorf("rotary_dim (%d) must be even", c.RotaryDims())
	case c.ActivationFunction != "" && c.ActivationFunction != "gelu_new":
		return errors.Errorf("unsupported activation function %q", c.ActivationFunction)
	}
	return nil
}

// LoadConfig reads a GPT-J config.json. Missing fields keep GPT-J-6B defaults.
func LoadConfig(path string) (*GPTJConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	config := NewGPTJConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if config.ModelType != "" && config.ModelType != "gptj" {
		return nil, errors.Errorf("unsupported model_type %q", config.ModelType)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EstimateParameters estimates total parameter count
func (c *GPTJConfig) EstimateParameters() int64 {
	hidden := int64(c.Hidden)
	inner := int64(c.InnerDim())

	params := int64(c.VocabSize) * hidden // wte

	perLayer := int64(0)
	perLayer += 4 * hidden * hidden         // q, k, v, out
	perLayer += hidden*inner + inner        // fc_in
	perLayer += inner*hidden + hidden       // fc_out
	perLayer += 2 * hidden                  // ln_1
	params += int64(c.NumLayers) * perLayer // blocks

	params += 2 * hidden // ln_f
	if !c.TieWordEmbeddings {
		params += hidden * int64(c.VocabSize)
	}
	params += int64(c.VocabSize) // lm_head bias

	return params
}

// PrintInfo logs model configuration
func (c *GPTJConfig) PrintInfo() {
	klog.Infof("GPT-J configuration: vocab=%d hidden=%d layers=%d heads=%d head_dim=%d rotary_dim=%d inner=%d positions=%d",
		c.VocabSize, c.Hidden, c.NumLayers, c.NumHeads, c.HeadDim(), c.RotaryDims(), c.InnerDim(), c.MaxPositions)
	klog.Infof("GPT-J parameters: ~%s", humanize.SIWithDigits(float64(c.EstimateParameters()), 1, ""))
}
