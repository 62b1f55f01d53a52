package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reflow/internal/core/config"
	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/flow"
)

var (
	runMode   string
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a flow plan and print its result",
	Args:  cobra.ExactArgs(1),
	Run:   runPlan,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "override atomic mode (strict, lenient, conditional)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "output format (table, json)")
	rootCmd.AddCommand(runCmd)
}

func runPlan(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	plan, err := flow.LoadPlan(args[0])
	if err != nil {
		slog.Error("Failed to load plan", "path", args[0], "error", err)
		os.Exit(1)
	}
	if runMode != "" {
		plan.AtomicMode = domain.AtomicMode(runMode)
		if !plan.AtomicMode.Valid() {
			slog.Error("Invalid atomic mode", "mode", runMode)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := newRunner(ctx, cfg)

	if cfg.Recovery.EnableUserFulfillment && cfg.Interaction.Channel == config.ChannelBroker {
		slog.Warn("User fulfillment is enabled but the broker channel has no operator outside serve; use the file or redis channel")
	}

	res := app.RunPlan(ctx, plan)
	app.Close()

	switch runOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	default:
		printResult(res)
	}

	if !res.Success {
		os.Exit(1)
	}
}

func printResult(res domain.FlowResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATE\tATTEMPTS\tDURATION\tERROR")
	for _, sr := range res.StepResults {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			sr.StepID, sr.State, sr.RecoveryAttempts, sr.Duration.Round(time.Millisecond), sr.ErrorMessage)
	}
	_ = w.Flush()

	m := res.Metrics
	fmt.Printf("\nflow %s: %s (success=%t)\n", res.FlowID, res.Status, res.Success)
	fmt.Printf("steps ok=%d failed=%d recovered=%d critical_failures=%d success_rate=%.1f%%\n",
		m.SuccessfulSteps, m.FailedSteps, m.RecoveredSteps, m.CriticalFailures, m.SuccessRate()*100)
	if res.ErrorMessage != "" {
		fmt.Printf("error: %s\n", res.ErrorMessage)
	}
}
