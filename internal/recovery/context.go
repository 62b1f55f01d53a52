package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
)

// Executor runs a single step. It may be invoked several times for the same
// step during recovery.
type Executor interface {
	Execute(ctx context.Context, step domain.Step, prior []domain.StepResult) (domain.StepResult, error)
}

// StepContext is what a strategy knows about the step being recovered.
type StepContext struct {
	Step     domain.Step
	Plan     *domain.FlowPlan
	Prior    []domain.StepResult
	Deadline time.Time
	// Attempt is the 1-based invocation count of the current strategy.
	Attempt int
}

// DeadlineExceeded reports whether the recovery budget is spent.
func (c *StepContext) DeadlineExceeded(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return !c.Deadline.IsZero() && !time.Now().Before(c.Deadline)
}

func (c *StepContext) flowID() string {
	if c.Plan == nil {
		return ""
	}
	return c.Plan.FlowID
}

// SafeExecute calls exec and turns a panic into an error.
func SafeExecute(
	ctx context.Context,
	exec Executor,
	step domain.Step,
	prior []domain.StepResult,
) (res domain.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.StepResult{StepID: step.StepID}
			err = fmt.Errorf("step executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, step, prior)
}
