package recovery

import (
	"context"

	"github.com/vietddude/reflow/internal/core/domain"
)

// Strategy is one stage of the recovery pipeline.
//
// Attempt returns a result when the strategy ran to completion, whether or
// not it recovered the step. A returned error means the strategy itself
// faulted; the engine may invoke it again.
type Strategy interface {
	Kind() domain.StrategyKind
	IsApplicable(step domain.Step) bool
	Attempt(ctx context.Context, sc *StepContext, errText string) (domain.RecoveryResult, error)
}

// declined reports whether a strategy completed without doing any work.
// The engine moves on to the next strategy in that case.
func declined(res domain.RecoveryResult) bool {
	return !res.Success && !res.Skipped && res.AttemptsMade == 0
}
