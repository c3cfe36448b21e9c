package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/engine"
	"credpilot/internal/observability"
)

// newResumeCmd creates the `resume` command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [identity...]",
		Short: "Resume pipelines left mid-flight by an earlier run",
		Long: `Continues acquisition for records that are neither active nor failed,
starting each from its last persisted status. Without arguments every
resumable record is picked up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			identities := args
			if len(identities) == 0 {
				records, err := components.Store.Resumable(ctx)
				if err != nil {
					return err
				}
				for _, rec := range records {
					identities = append(identities, rec.Identity)
				}
			}
			if len(identities) == 0 {
				fmt.Println("Nothing to resume.")
				return nil
			}
			logger.Info("resuming pipelines", zap.Int("count", len(identities)))

			tasks := make([]engine.Task, len(identities))
			for i, identityAddr := range identities {
				tasks[i] = engine.Task{
					Identity: identityAddr,
					Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
						return components.Controller.Resume(ctx, identityAddr)
					},
				}
			}
			results := components.Engine.Run(ctx, tasks)

			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("FAILED  %s: %v\n", r.Identity, r.Err)
				} else {
					fmt.Printf("ACTIVE  %s\n", r.Identity)
				}
			}
			return summarize(results)
		},
	}
}
