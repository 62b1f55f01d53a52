package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/interaction"
)

// =============================================================================
// Fakes
// =============================================================================

// scriptedExecutor fails with errs[i] on the i-th call and succeeds once the
// script runs out.
type scriptedExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (e *scriptedExecutor) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.calls)
	e.calls = append(e.calls, step.StepID)
	if n < len(e.errs) && e.errs[n] != nil {
		return domain.StepResult{StepID: step.StepID}, e.errs[n]
	}
	return domain.StepResult{
		StepID:    step.StepID,
		Success:   true,
		ToolCalls: step.RequiredTools,
		Output:    "ok:" + step.StepID,
	}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func failing(n int, msg string) *scriptedExecutor {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New(msg)
	}
	return &scriptedExecutor{errs: errs}
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, domain.Step, []domain.StepResult) (domain.StepResult, error) {
	panic("boom")
}

// sleepRecorder records requested delays without waiting.
type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

type fakeStrategy struct {
	kind       domain.StrategyKind
	applicable bool
	calls      int
	fn         func(ctx context.Context, sc *StepContext) (domain.RecoveryResult, error)
}

func (s *fakeStrategy) Kind() domain.StrategyKind     { return s.kind }
func (s *fakeStrategy) IsApplicable(domain.Step) bool { return s.applicable }

func (s *fakeStrategy) Attempt(
	ctx context.Context,
	sc *StepContext,
	errText string,
) (domain.RecoveryResult, error) {
	s.calls++
	return s.fn(ctx, sc)
}

type channelFunc func(ctx context.Context, req interaction.Request) (string, error)

func (f channelFunc) Ask(ctx context.Context, req interaction.Request) (string, error) {
	return f(ctx, req)
}

func reply(text string) channelFunc {
	return func(context.Context, interaction.Request) (string, error) { return text, nil }
}

func testConfig() domain.RecoveryConfig {
	return domain.RecoveryConfig{
		BaseRetryDelay:         100 * time.Millisecond,
		MaxRetryDelay:          2000 * time.Millisecond,
		BackoffMultiplier:      2.0,
		MaxRecoveryTime:        5 * time.Second,
		EnableAlternativeFlows: true,
	}
}

func testPlan(mode domain.AtomicMode, steps ...domain.Step) *domain.FlowPlan {
	return &domain.FlowPlan{FlowID: "flow-test", AtomicMode: mode, Steps: steps}
}
