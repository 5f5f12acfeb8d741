package nanovllm

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates an LLM around a model runner and tokenizer
func NewLLM(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	return &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(prompts []string, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	promptsInterface := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(promptsInterface, samplingParams, useTqdm)
}
