package nanovllm

import (
	"os"

	"github.com/pkg/errors"
)

// Config holds the configuration for the LLM engine
type Config struct {
	Model               string
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int

	// NumDevices splits the model's layers over this many accelerators.
	NumDevices int
	// StaticShapes pads every sequence to its final length up front and
	// decodes with an explicit token index into a fixed-size cache.
	StaticShapes bool
	Seed         int64
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(modelPath string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		Model:               modelPath,
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         2048,
		EOS:                 -1,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    -1,
		NumDevices:          0,
		StaticShapes:        false,
		Seed:                0,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Model != "" {
		if _, err := os.Stat(c.Model); os.IsNotExist(err) {
			return errors.Errorf("model directory does not exist: %s", c.Model)
		}
	}

	if c.KVCacheBlockSize%256 != 0 {
		return errors.New("kvcache_block_size must be divisible by 256")
	}

	if c.NumDevices < 0 || c.NumDevices > 8 {
		return errors.New("num_devices must be between 0 and 8")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return errors.New("max_num_batched_tokens must be >= max_model_len")
	}

	return nil
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}

// WithNumDevices sets how many accelerators the layers are split over; 0 keeps the model on the CPU
func WithNumDevices(n int) ConfigOption {
	return func(c *Config) {
		c.NumDevices = n
	}
}

// WithStaticShapes enables fixed-shape decoding with an explicit token index
func WithStaticShapes(b bool) ConfigOption {
	return func(c *Config) {
		c.StaticShapes = b
	}
}

// WithSeed sets the sampling seed
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}
