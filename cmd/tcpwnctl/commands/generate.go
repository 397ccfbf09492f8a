package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/samueljero/TCPwn/internal/config"
	"github.com/samueljero/TCPwn/internal/generator"
)

// loadConfig loads the --config file with environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// --- generate ---

func generateCmd() *cobra.Command {
	var (
		mode  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build and print the strategy queue without running it",
		Long: "generate builds the strategy queue exactly as the daemon would for the " +
			"configured generator mode and prints it in dispatch order.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Generator.Mode = mode
				if err := config.Validate(cfg); err != nil {
					return fmt.Errorf("validate configuration: %w", err)
				}
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: config.ParseLogLevel(cfg.Log.Level),
			}))

			sources, err := cfg.Sources(logger, nil)
			if err != nil {
				return fmt.Errorf("build sources: %w", err)
			}

			gen := generator.New(logger)
			for _, src := range sources {
				if _, err := gen.Build(cmd.Context(), src); err != nil {
					return fmt.Errorf("build %s: %w", src.Name(), err)
				}
			}

			st := gen.Snapshot()
			queue := st.Pending
			if limit > 0 && len(queue) > limit {
				queue = queue[:limit]
			}

			out, err := formatStrategies(queue, outputFormat)
			if err != nil {
				return fmt.Errorf("format strategies: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "",
		"override generator mode: brute-force, state-search, replay")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many strategies (0 = all)")

	return cmd
}
