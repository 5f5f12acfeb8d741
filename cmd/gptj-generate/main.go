// Command gptj-generate runs GPT-J text generation from token ids.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"nano-gptj-go/nanovllm"
	"nano-gptj-go/purego"
	"nano-gptj-go/purego/tensor"
)

type generateOptions struct {
	model     string
	maxTokens int
	temp      float64
	topK      int
	topP      float64
	static    bool
	devices   int
	seed      int64
	ignoreEOS bool
	progress  bool
}

type initOptions struct {
	out       string
	vocab     int
	positions int
	hidden    int
	layers    int
	heads     int
	rotaryDim int
	seed      int64
}

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	defer klog.Flush()

	root := newRootCmd()
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts generateOptions
	root := &cobra.Command{
		Use:   "gptj-generate [token ids...]",
		Short: "Generate a continuation of a prompt given as GPT-J token ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts, args)
		},
		SilenceUsage: true,
	}

	flags := root.Flags()
	flags.StringVar(&opts.model, "model", "./models/gpt-j-6b", "directory with config.json and safetensors weights")
	flags.IntVar(&opts.maxTokens, "max-tokens", 32, "maximum number of tokens to generate")
	flags.Float64Var(&opts.temp, "temp", 0, "sampling temperature, 0 for greedy decoding")
	flags.IntVar(&opts.topK, "top-k", 0, "keep only the k most likely tokens, 0 to disable")
	flags.Float64Var(&opts.topP, "top-p", 1.0, "nucleus sampling threshold")
	flags.BoolVar(&opts.static, "static", false, "decode into a fixed-size cache with an explicit token index")
	flags.IntVar(&opts.devices, "devices", 0, "number of accelerators to split the layers over, 0 for CPU only")
	flags.Int64Var(&opts.seed, "seed", 0, "sampling seed")
	flags.BoolVar(&opts.ignoreEOS, "ignore-eos", false, "keep generating after EOS")
	flags.BoolVar(&opts.progress, "progress", false, "show a progress bar")

	root.AddCommand(newInitCmd(), newInspectCmd())
	return root
}

func runGenerate(cmd *cobra.Command, opts generateOptions, args []string) error {
	config, err := nanovllm.NewConfig(opts.model,
		nanovllm.WithNumDevices(opts.devices),
		nanovllm.WithStaticShapes(opts.static),
		nanovllm.WithSeed(opts.seed),
	)
	if err != nil {
		return err
	}

	runner, err := purego.NewGPTJModelRunner(opts.model, config)
	if err != nil {
		return err
	}
	modelConfig := runner.Model().Config()
	modelConfig.PrintInfo()
	config.EOS = modelConfig.EOSTokenID

	tokenizer := nanovllm.NewIDTokenizer(modelConfig.EOSTokenID, modelConfig.VocabSize)
	llm := nanovllm.NewLLM(config, runner, tokenizer)
	defer llm.Close()

	params, err := nanovllm.NewSamplingParams(
		nanovllm.WithTemperature(opts.temp),
		nanovllm.WithTopK(opts.topK),
		nanovllm.WithTopP(opts.topP),
		nanovllm.WithMaxTokens(opts.maxTokens),
		nanovllm.WithIgnoreEOS(opts.ignoreEOS),
	)
	if err != nil {
		return err
	}

	outputs, err := llm.GenerateSimple([]string{strings.Join(args, " ")}, params, opts.progress)
	if err != nil {
		return errors.WithMessage(err, "generation failed")
	}
	fmt.Fprintln(cmd.OutOrStdout(), outputs[0].Text)

	stats := llm.Stats()
	klog.V(1).Infof("prefill %.1f tok/s, decode %.1f tok/s", stats.PrefillThroughput(), stats.DecodeThroughput())
	return nil
}

func newInitCmd() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a randomly initialised GPT-J checkpoint, for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := tensor.NewGPTJConfig()
			config.VocabSize = opts.vocab
			config.MaxPositions = opts.positions
			config.Hidden = opts.hidden
			config.NumLayers = opts.layers
			config.NumHeads = opts.heads
			config.RotaryDim = opts.rotaryDim
			config.BOSTokenID = opts.vocab - 1
			config.EOSTokenID = opts.vocab - 1
			if err := config.Validate(); err != nil {
				return err
			}

			lm := tensor.NewGPTJForCausalLM(config)
			tensor.InitRandom(lm, opts.seed)
			if err := lm.SaveDirectory(opts.out); err != nil {
				return err
			}
			config.PrintInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.out, "out", "./models/gptj-tiny", "output directory")
	flags.IntVar(&opts.vocab, "vocab", 512, "vocabulary size")
	flags.IntVar(&opts.positions, "positions", 256, "maximum positions")
	flags.IntVar(&opts.hidden, "hidden", 64, "hidden size")
	flags.IntVar(&opts.layers, "layers", 4, "number of layers")
	flags.IntVar(&opts.heads, "heads", 4, "number of attention heads")
	flags.IntVar(&opts.rotaryDim, "rotary-dim", 8, "rotary dimensions per head")
	flags.Int64Var(&opts.seed, "seed", 0, "initialisation seed")
	return cmd
}
