package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// configPath is the campaign configuration file. Empty uses defaults
	// and environment overrides only.
	configPath string
)

// newRootCmd builds the top-level cobra command for tcpwnctl.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tcpwnctl",
		Short: "CLI companion for the TCPwn daemon",
		Long: "tcpwnctl previews strategy queues, inspects checkpoints and results logs, " +
			"and sends commands to proxy and monitor control ports.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the campaign configuration file")

	root.AddCommand(generateCmd())
	root.AddCommand(checkpointCmd())
	root.AddCommand(resultsCmd())
	root.AddCommand(proxyCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(versionCmd())

	return root
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
