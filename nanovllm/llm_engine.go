package nanovllm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Output represents the output of a generation request
type Output struct {
	SeqID    int64
	Text     string
	TokenIDs []int
}

// Stats accumulates token counts and wall time per phase.
type Stats struct {
	PrefillTokens int
	PrefillTime   time.Duration
	DecodeTokens  int
	DecodeTime    time.Duration
	Steps         int
}

// PrefillThroughput returns prefill tokens per second
func (s Stats) PrefillThroughput() float64 {
	if s.PrefillTime == 0 {
		return 0
	}
	return float64(s.PrefillTokens) / s.PrefillTime.Seconds()
}

// DecodeThroughput returns decoded tokens per second
func (s Stats) DecodeThroughput() float64 {
	if s.DecodeTime == 0 {
		return 0
	}
	return float64(s.DecodeTokens) / s.DecodeTime.Seconds()
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	stats       Stats
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// Stats returns the counters accumulated since the engine was created
func (e *LLMEngine) Stats() Stats {
	return e.stats
}

// AddRequest queues a prompt, given as text or token ids, and returns its sequence id.
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (int64, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode prompt")
		}
	case []int:
		tokenIDs = p
	default:
		return 0, errors.Errorf("prompt must be string or []int, got %T", prompt)
	}
	if len(tokenIDs) == 0 {
		return 0, errors.New("prompt is empty")
	}
	if len(tokenIDs) >= e.config.MaxModelLen {
		return 0, errors.Errorf("prompt of %d tokens leaves no room below max_model_len %d", len(tokenIDs), e.config.MaxModelLen)
	}

	seq := NewSequence(tokenIDs, samplingParams)
	e.scheduler.Add(seq)
	return seq.SeqID, nil
}

// Step schedules and runs one batch. It returns the sequences that finished
// and the number of tokens processed, negative for a decode step.
func (e *LLMEngine) Step() ([]Output, int, error) {
	start := time.Now()
	seqs, isPrefill, err := e.scheduler.Schedule()
	if err != nil {
		return nil, 0, err
	}
	e.release()

	tokenIDs, err := e.modelRunner.Run(seqs, isPrefill)
	if err != nil {
		return nil, 0, errors.Wrap(err, "model inference failed")
	}

	e.scheduler.Postprocess(seqs, tokenIDs)
	e.release()

	outputs := make([]Output, 0)
	for _, seq := range seqs {
		if seq.IsFinished() {
			text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
			if err != nil {
				return nil, 0, errors.Wrap(err, "failed to decode tokens")
			}
			outputs = append(outputs, Output{
				SeqID:    seq.SeqID,
				Text:     text,
				TokenIDs: seq.CompletionTokenIDs(),
			})
		}
	}

	elapsed := time.Since(start)
	e.stats.Steps++
	numTokens := 0
	if isPrefill {
		for _, seq := range seqs {
			numTokens += seq.Len() - 1
		}
		e.stats.PrefillTokens += numTokens
		e.stats.PrefillTime += elapsed
	} else {
		numTokens = -len(seqs)
		e.stats.DecodeTokens += len(seqs)
		e.stats.DecodeTime += elapsed
	}
	klog.V(3).Infof("step %d: %d seqs, prefill=%v, %v", e.stats.Steps, len(seqs), isPrefill, elapsed)

	return outputs, numTokens, nil
}

// release frees the runner state of finished or preempted sequences.
func (e *LLMEngine) release() {
	for _, seq := range e.scheduler.TakeReleased() {
		e.modelRunner.Free(seq)
	}
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate runs prompts to completion and returns their outputs in prompt order.
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]Output, error) {
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, errors.New("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, errors.New("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	order := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		seqID, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "prompt %d", i)
		}
		order[seqID] = i
	}

	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	outputs := make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64
	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			idx, ok := order[output.SeqID]
			if !ok {
				continue
			}
			outputs[idx] = output
			if useTqdm {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}
	return outputs, nil
}
