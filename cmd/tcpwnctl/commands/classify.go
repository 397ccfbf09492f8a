package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/samueljero/TCPwn/internal/executor"
)

var errBaselineRequired = errors.New("--baseline needs at least one transfer time")

// --- classify ---

func classifyCmd() *cobra.Command {
	var (
		baseline []time.Duration
		elapsed  time.Duration
		bytes    int64
		size     int64
		multiple float64
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a transfer against baseline transfer times",
		Long: "classify derives the mean +/- 2 standard deviation thresholds from the " +
			"baseline samples and prints the verdict the executor would give the transfer. " +
			"--size and --multiple default to the configured executor values.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(baseline) == 0 {
				return errBaselineRequired
			}
			if !cmd.Flags().Changed("size") || !cmd.Flags().Changed("multiple") {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("size") {
					size = cfg.Executor.TransferSize
				}
				if !cmd.Flags().Changed("multiple") {
					multiple = cfg.Executor.TransferMultiple
				}
			}

			th := executor.ComputeThresholds(baseline)
			complete := executor.CompleteBytes(size, multiple)
			c := classification{
				Thresholds:    th,
				Elapsed:       elapsed,
				Bytes:         bytes,
				CompleteBytes: complete,
				Verdict:       executor.Classify(th, elapsed, bytes, complete),
			}

			out, err := formatClassification(c, outputFormat)
			if err != nil {
				return fmt.Errorf("format classification: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	cmd.Flags().DurationSliceVar(&baseline, "baseline", nil,
		"baseline transfer times, e.g. 10s,10.5s,9.8s")
	cmd.Flags().DurationVar(&elapsed, "elapsed", 0, "measured transfer time")
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "measured bytes transferred")
	cmd.Flags().Int64Var(&size, "size", 0, "full transfer size in bytes")
	cmd.Flags().Float64Var(&multiple, "multiple", 0,
		"fraction of --size a transfer must move to count as complete")

	return cmd
}
