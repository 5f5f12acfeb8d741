package main

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"nano-gptj-go/purego/tensor"
)

func newInspectCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load a checkpoint and print per-tensor shapes and value ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lm, err := tensor.LoadFromDirectory(model)
			if err != nil {
				return err
			}
			lm.Config().PrintInfo()
			writeWeightTable(cmd.OutOrStdout(), lm.StateDict())
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "./models/gpt-j-6b", "directory with config.json and safetensors weights")
	return cmd
}

func writeWeightTable(w io.Writer, state map[string]*tensor.Tensor) {
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Tensor", "Shape", "Params", "Min", "Max", "Mean"})
	var total int64
	for _, name := range names {
		t := state[name]
		lo, hi, mean := valueStats(t.Data)
		total += int64(len(t.Data))
		table.Append([]string{
			name,
			fmt.Sprint(t.Shape),
			humanize.Comma(int64(len(t.Data))),
			fmt.Sprintf("%.4f", lo),
			fmt.Sprintf("%.4f", hi),
			fmt.Sprintf("%.5f", mean),
		})
	}
	table.SetFooter([]string{"", "", humanize.Comma(total), "", "", ""})
	table.Render()
}

func valueStats(data []float32) (lo, hi, mean float64) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range data {
		f := float64(v)
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
		sum += f
	}
	return lo, hi, sum / float64(len(data))
}
