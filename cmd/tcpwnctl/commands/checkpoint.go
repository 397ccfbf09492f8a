package commands

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/samueljero/TCPwn/internal/generator"
	"github.com/samueljero/TCPwn/internal/strategy"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect generator checkpoints",
	}

	cmd.AddCommand(checkpointShowCmd())
	cmd.AddCommand(checkpointPendingCmd())

	return cmd
}

// checkpointPath returns the explicit path argument, or the configured one.
func checkpointPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.Checkpoint, nil
}

// --- checkpoint show ---

func checkpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [path]",
		Short: "Summarize a checkpoint file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := checkpointPath(args)
			if err != nil {
				return err
			}

			st, err := generator.ReadCheckpoint(path)
			if err != nil {
				return fmt.Errorf("read checkpoint: %w", err)
			}

			out, err := formatState(st, outputFormat)
			if err != nil {
				return fmt.Errorf("format checkpoint: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- checkpoint pending ---

func checkpointPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending [path]",
		Short: "List the strategies a resumed campaign would still run",
		Long: "pending lists unresolved strategies in the order a resumed campaign " +
			"dispatches them: requeued inflight and retried strategies, then the pending queue.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := checkpointPath(args)
			if err != nil {
				return err
			}

			st, err := generator.ReadCheckpoint(path)
			if err != nil {
				return fmt.Errorf("read checkpoint: %w", err)
			}

			out, err := formatStrategies(unresolved(st), outputFormat)
			if err != nil {
				return fmt.Errorf("format strategies: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// unresolved mirrors a resume: inflight strategies are pushed onto the
// retry stack in ID order, the stack is popped from the end, and the
// pending queue follows.
func unresolved(st generator.State) []*strategy.Strategy {
	stack := slices.Clone(st.RetryStack)
	for _, id := range st.InflightIDs() {
		stack = append(stack, st.Inflight[id])
	}
	slices.Reverse(stack)
	return append(stack, st.Pending...)
}
