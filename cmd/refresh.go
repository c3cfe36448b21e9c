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

// newRefreshCmd creates the `refresh` command.
func newRefreshCmd() *cobra.Command {
	refreshCmd := &cobra.Command{
		Use:   "refresh [identity...]",
		Short: "Refresh tokens for active accounts",
		Long: `Re-authenticates active accounts and swaps in fresh tokens. Without
arguments it refreshes every account whose token expires within the
configured refresh window; with identities it refreshes exactly those.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			all, _ := cmd.Flags().GetBool("all")
			identities := args
			if len(identities) == 0 {
				var records []*schemas.AccountRecord
				if all {
					records, err = components.Store.ListByStatus(ctx, schemas.StatusActive)
				} else {
					records, err = components.Controller.DueForRefresh(ctx)
				}
				if err != nil {
					return err
				}
				for _, rec := range records {
					identities = append(identities, rec.Identity)
				}
			}
			if len(identities) == 0 {
				fmt.Println("No accounts due for refresh.")
				return nil
			}
			logger.Info("refreshing accounts", zap.Int("count", len(identities)))

			tasks := make([]engine.Task, len(identities))
			for i, identityAddr := range identities {
				tasks[i] = engine.Task{
					Identity: identityAddr,
					Run: func(ctx context.Context) (*schemas.AccountRecord, error) {
						return components.Controller.Refresh(ctx, identityAddr)
					},
				}
			}
			results := components.Engine.Run(ctx, tasks)

			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("FAILED     %s: %v\n", r.Identity, r.Err)
				} else {
					fmt.Printf("REFRESHED  %s\n", r.Identity)
				}
			}
			return summarize(results)
		},
	}

	refreshCmd.Flags().Bool("all", false, "Refresh every active account regardless of the refresh window")
	return refreshCmd
}
