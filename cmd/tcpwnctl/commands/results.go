package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/samueljero/TCPwn/internal/generator"
)

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect the results log",
	}

	cmd.AddCommand(resultsShowCmd())

	return cmd
}

// --- results show ---

func resultsShowCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "List recorded anomalies and permanent failures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Paths.Results
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open results log: %w", err)
			}
			defer f.Close()

			recs, err := generator.ReadResults(f)
			if err != nil {
				return err
			}
			if reason != "" {
				recs = filterReason(recs, generator.Reason(reason))
			}

			out, err := formatResults(recs, outputFormat)
			if err != nil {
				return fmt.Errorf("format results: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "",
		"only show records with this reason, e.g. PerformanceFaster")

	return cmd
}

func filterReason(recs []generator.FailureRecord, reason generator.Reason) []generator.FailureRecord {
	out := make([]generator.FailureRecord, 0, len(recs))
	for _, r := range recs {
		if r.Reason == reason {
			out = append(out, r)
		}
	}
	return out
}
