package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/engine"
	"credpilot/internal/observability"
)

// newRegisterCmd creates the `register` command.
func newRegisterCmd() *cobra.Command {
	registerCmd := &cobra.Command{
		Use:   "register [count]",
		Short: "Acquire one or more fresh accounts",
		Long: `Runs the full acquisition pipeline for each requested account:
registration in a headless browser, verification-code retrieval from the
configured mailbox, token extraction, and persistence to the credential
store. Pipelines run in parallel on the worker pool.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("engine.worker_concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			return applyFlagOverrides()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("count must be a positive integer, got %q", args[0])
				}
				count = n
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()
			logger.Info("starting account acquisition",
				zap.Int("count", count),
				zap.Int("concurrency", cfg.Engine.WorkerConcurrency))

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			tasks := make([]engine.Task, count)
			for i := range tasks {
				tasks[i] = engine.Task{Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
					return components.Controller.Register(ctx)
				}}
			}
			results := components.Engine.Run(ctx, tasks)

			for _, r := range results {
				switch {
				case r.Err != nil:
					fmt.Printf("FAILED  %s: %v\n", labelOr(r.Identity, "(no identity)"), r.Err)
				default:
					fmt.Printf("ACTIVE  %s\n", r.Identity)
				}
			}
			return summarize(results)
		},
	}

	registerCmd.Flags().IntP("concurrency", "j", 0, "Number of concurrent pipelines. (Overrides config/env)")
	return registerCmd
}

// applyFlagOverrides re-resolves the config after flag binding so flags win
// over file and environment values.
func applyFlagOverrides() error {
	resolved, err := cfgFromViper()
	if err != nil {
		return err
	}
	cfg = resolved
	return nil
}

func labelOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
