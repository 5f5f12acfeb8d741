package nanovllm

import "github.com/pkg/errors"

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature float64 // 0 decodes greedily
	TopK        int     // 0 disables top-k
	TopP        float64 // 1 disables nucleus sampling
	MaxTokens   int
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) (*SamplingParams, error) {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopK:        0,
		TopP:        1.0,
		MaxTokens:   64,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	switch {
	case sp.Temperature < 0:
		return errors.Errorf("temperature must be non-negative, got %v", sp.Temperature)
	case sp.TopK < 0:
		return errors.Errorf("top_k must be non-negative, got %d", sp.TopK)
	case sp.TopP <= 0 || sp.TopP > 1:
		return errors.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	case sp.MaxTokens < 1:
		return errors.Errorf("max_tokens must be at least 1, got %d", sp.MaxTokens)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k most likely tokens
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP keeps the smallest set of tokens whose probability reaches p
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
