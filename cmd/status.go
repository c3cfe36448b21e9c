package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"credpilot/api/schemas"
	"credpilot/internal/observability"
)

// newStatusCmd creates the `status` command.
func newStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show every account and its pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			var records []*schemas.AccountRecord
			for _, status := range schemas.Statuses() {
				batch, err := components.Store.ListByStatus(ctx, status)
				if err != nil {
					return err
				}
				records = append(records, batch...)
			}

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return printJSON(records)
			}
			printTable(records)
			return nil
		},
	}

	statusCmd.Flags().Bool("json", false, "Emit machine-readable JSON instead of a table")
	return statusCmd
}

// printJSON emits the records with tokens redacted; status output is for
// eyes and logs, not for credential exfiltration.
func printJSON(records []*schemas.AccountRecord) error {
	redacted := make([]*schemas.AccountRecord, 0, len(records))
	for _, rec := range records {
		cp := rec.Clone()
		if cp.Token != "" {
			cp.Token = "<redacted>"
		}
		if cp.Secret != "" {
			cp.Secret = "<redacted>"
		}
		redacted = append(redacted, cp)
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printTable(records []*schemas.AccountRecord) {
	if len(records) == 0 {
		fmt.Println("No accounts in the store.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tSTATUS\tFAILURES\tCREATED\tLAST REFRESHED")
	for _, rec := range records {
		refreshed := "-"
		if !rec.LastRefreshedAt.IsZero() {
			refreshed = rec.LastRefreshedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.Identity, rec.Status, rec.FailureCount,
			rec.CreatedAt.Format("2006-01-02 15:04:05"), refreshed)
	}
	_ = w.Flush()

	counts := make(map[schemas.Status]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	fmt.Println()
	for _, status := range schemas.Statuses() {
		if counts[status] > 0 {
			fmt.Printf("%s: %d  ", status, counts[status])
		}
	}
	fmt.Println()
}
