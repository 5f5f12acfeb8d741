package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"k8s.io/klog/v2"

	"nano-gptj-go/nanovllm"
	"nano-gptj-go/purego"
	"nano-gptj-go/purego/tensor"
)

var (
	flagRequests  = flag.Int("requests", 8, "number of requests")
	flagMinInput  = flag.Int("min-input", 16, "minimum prompt length")
	flagMaxInput  = flag.Int("max-input", 64, "maximum prompt length")
	flagMaxOutput = flag.Int("max-output", 32, "tokens generated per request")
	flagLayers    = flag.Int("layers", 4, "layers of the random model")
	flagHidden    = flag.Int("hidden", 128, "hidden size of the random model")
	flagDevices   = flag.Int("devices", 2, "accelerators for the pipeline-parallel run")
	flagSeed      = flag.Int64("seed", 42, "seed for weights and prompts")
)

type benchCase struct {
	name    string
	static  bool
	devices int
}

type result struct {
	benchCase
	outputTokens int
	elapsed      time.Duration
	stats        nanovllm.Stats
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	modelConfig := tensor.NewGPTJConfig()
	modelConfig.VocabSize = 1024
	modelConfig.MaxPositions = 512
	modelConfig.Hidden = *flagHidden
	modelConfig.NumLayers = *flagLayers
	modelConfig.NumHeads = 4
	modelConfig.RotaryDim = 16
	modelConfig.EOSTokenID = modelConfig.VocabSize - 1
	if err := modelConfig.Validate(); err != nil {
		klog.Exitf("invalid model: %v", err)
	}
	modelConfig.PrintInfo()

	rng := rand.New(rand.NewSource(*flagSeed))
	prompts := make([]interface{}, *flagRequests)
	for i := range prompts {
		n := *flagMinInput + rng.Intn(*flagMaxInput-*flagMinInput+1)
		tokens := make([]int, n)
		for j := range tokens {
			tokens[j] = rng.Intn(modelConfig.VocabSize - 1)
		}
		prompts[i] = tokens
	}

	cases := []benchCase{
		{name: "dynamic", static: false},
		{name: "static", static: true},
		{name: "dynamic, pipeline", static: false, devices: *flagDevices},
		{name: "static, pipeline", static: true, devices: *flagDevices},
	}

	var results []result
	for _, c := range cases {
		r, err := run(c, modelConfig, prompts)
		if err != nil {
			klog.Exitf("%s: %v", c.name, err)
		}
		results = append(results, r)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Mode", "Devices", "Prompt tok", "Output tok", "Prefill tok/s", "Decode tok/s", "Total"})
	for _, r := range results {
		table.Append([]string{
			r.name,
			strconv.Itoa(r.devices),
			humanize.Comma(int64(r.stats.PrefillTokens)),
			humanize.Comma(int64(r.outputTokens)),
			humanize.CommafWithDigits(r.stats.PrefillThroughput(), 1),
			humanize.CommafWithDigits(r.stats.DecodeThroughput(), 1),
			r.elapsed.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	fmt.Printf("weights: ~%s parameters\n", humanize.SIWithDigits(float64(modelConfig.EstimateParameters()), 1, ""))
}

// run builds a fresh model from the same seed so every case sees identical weights.
func run(c benchCase, modelConfig *tensor.GPTJConfig, prompts []interface{}) (result, error) {
	lm := tensor.NewGPTJForCausalLM(modelConfig)
	tensor.InitRandom(lm, *flagSeed)

	config, err := nanovllm.NewConfig("",
		nanovllm.WithMaxModelLen(modelConfig.MaxPositions),
		nanovllm.WithEOS(modelConfig.EOSTokenID),
		nanovllm.WithStaticShapes(c.static),
		nanovllm.WithNumDevices(c.devices),
		nanovllm.WithSeed(*flagSeed),
	)
	if err != nil {
		return result{}, err
	}
	runner, err := purego.NewGPTJModelRunnerFromModel(lm, config)
	if err != nil {
		return result{}, err
	}
	llm := nanovllm.NewLLM(config, runner, nanovllm.NewIDTokenizer(modelConfig.EOSTokenID, modelConfig.VocabSize))
	defer llm.Close()

	params, err := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(0),
		nanovllm.WithMaxTokens(*flagMaxOutput),
		nanovllm.WithIgnoreEOS(true),
	)
	if err != nil {
		return result{}, err
	}

	start := time.Now()
	outputs, err := llm.Generate(prompts, params, true)
	if err != nil {
		return result{}, err
	}
	r := result{benchCase: c, elapsed: time.Since(start), stats: llm.Stats()}
	for _, out := range outputs {
		r.outputTokens += len(out.TokenIDs)
	}
	return r, nil
}
