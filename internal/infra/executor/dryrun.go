package executor

import (
	"context"
	"log/slog"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/log"
)

// DryRun succeeds every step without side effects, reporting the step's
// required tools as its tool calls.
type DryRun struct {
	logger *slog.Logger
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: log.OrDefault(logger)}
}

func (d *DryRun) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.StepResult{StepID: step.StepID}, err
	}
	d.logger.Info("Dry run step",
		log.StepID(step.StepID),
		slog.String("description", step.Description),
		slog.Int("prior_results", len(prior)),
	)
	return domain.StepResult{
		StepID:    step.StepID,
		ToolCalls: append([]string(nil), step.RequiredTools...),
		Output:    map[string]any{"dry_run": true},
	}, nil
}
