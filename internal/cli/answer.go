package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reflow/internal/core/config"
	"github.com/vietddude/reflow/internal/interaction"
)

var answerList bool

var answerCmd = &cobra.Command{
	Use:   "answer [request-id reply...]",
	Short: "List or answer pending operator decisions",
	Long: `Answer a recovery question raised by a running flow. The reply is
interpreted as abort, skip or retry (default). Use --list to show open
requests.`,
	Run: runAnswer,
}

func init() {
	answerCmd.Flags().BoolVarP(&answerList, "list", "l", false, "list pending requests")
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if cfg.Interaction.Channel == config.ChannelBroker {
		slog.Error("The broker channel only lives inside the serving process; use POST /decisions/:id or switch to the file or redis channel")
		os.Exit(1)
	}
	if !answerList && len(args) < 2 {
		_ = cmd.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app := newRunner(ctx, cfg)
	defer app.Close()

	inbox := app.Inbox()
	if answerList {
		listPending(ctx, inbox)
		return
	}

	id, reply := args[0], strings.Join(args[1:], " ")
	if err := inbox.Answer(ctx, id, reply); err != nil {
		slog.Error("Failed to answer request", "request_id", id, "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", id, interaction.ParseDecision(reply))
}

func listPending(ctx context.Context, inbox interaction.Inbox) {
	reqs, err := inbox.Pending(ctx)
	if err != nil {
		slog.Error("Failed to list pending requests", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST ID\tFLOW\tSTEP\tAGE\tERROR")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.FlowID, r.StepID, time.Since(r.CreatedAt).Round(time.Second), r.Error)
	}
	_ = w.Flush()
}
