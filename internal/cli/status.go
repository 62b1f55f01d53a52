package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reflow/internal/core/config"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [flow-id]",
	Short: "Show stored flow results",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "maximum number of results to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if cfg.Storage.Driver == config.StorageMemory {
		slog.Warn("Storage driver is memory; results do not outlive the serving process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app := newRunner(ctx, cfg)
	defer app.Close()

	if len(args) == 1 {
		res, err := app.Results().Get(ctx, args[0])
		if err != nil {
			slog.Error("Failed to get flow result", "flow_id", args[0], "error", err)
			os.Exit(1)
		}
		printResult(*res)
		return
	}

	results, err := app.Results().List(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to list flow results", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FLOW ID\tSTATUS\tSUCCESS\tSTEPS\tCRITICAL\tCOMPLETED\tDURATION")
	for _, res := range results {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
			res.FlowID,
			res.Status,
			res.Success,
			len(res.StepResults),
			res.Metrics.CriticalFailures,
			res.CompletedAt.Local().Format(time.DateTime),
			res.Metrics.TotalDuration.Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}
