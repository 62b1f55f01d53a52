package flow

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/recovery"
	"github.com/vietddude/reflow/internal/telemetry"
)

// =============================================================================
// Fakes
// =============================================================================

// scriptExecutor fails step calls according to a per-step script. A step
// with no remaining script entries succeeds.
type scriptExecutor struct {
	mu     sync.Mutex
	script map[string][]error
	delay  map[string]time.Duration
	calls  map[string]int
}

func newScript(script map[string][]error) *scriptExecutor {
	return &scriptExecutor{script: script, delay: map[string]time.Duration{}, calls: map[string]int{}}
}

func (e *scriptExecutor) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	e.mu.Lock()
	n := e.calls[step.StepID]
	e.calls[step.StepID]++
	d := e.delay[step.StepID]
	var err error
	if errs := e.script[step.StepID]; n < len(errs) {
		err = errs[n]
	}
	e.mu.Unlock()

	if d > 0 && n > 0 {
		time.Sleep(d)
	}
	if err != nil {
		return domain.StepResult{StepID: step.StepID}, err
	}
	return domain.StepResult{
		StepID:    step.StepID,
		ToolCalls: step.RequiredTools,
		Output:    map[string]any{"step": step.StepID},
	}, nil
}

func (e *scriptExecutor) count(stepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[stepID]
}

func repeat(n int, msg string) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New(msg)
	}
	return errs
}

type sleepRecorder struct{ delays []time.Duration }

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

type faultingStrategy struct{ msg string }

func (s faultingStrategy) Kind() domain.StrategyKind     { return domain.StrategyRetry }
func (s faultingStrategy) IsApplicable(domain.Step) bool { return true }
func (s faultingStrategy) Attempt(context.Context, *recovery.StepContext, string) (domain.RecoveryResult, error) {
	return domain.RecoveryResult{}, errors.New(s.msg)
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Emit(ctx context.Context, ev telemetry.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) types() []telemetry.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]telemetry.EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func recoveryConfig() domain.RecoveryConfig {
	return domain.RecoveryConfig{
		BaseRetryDelay:         100 * time.Millisecond,
		MaxRetryDelay:          2000 * time.Millisecond,
		BackoffMultiplier:      2.0,
		MaxRecoveryTime:        5 * time.Second,
		EnableAlternativeFlows: true,
	}
}

func plan(mode domain.AtomicMode, steps ...domain.Step) *domain.FlowPlan {
	return &domain.FlowPlan{FlowID: "flow-1", UserPrompt: "swap then lend", AtomicMode: mode, Steps: steps}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestExecute_RetryRecoversCriticalStep(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(3, "connection refused")})
	rec := &sleepRecorder{}
	engine := recovery.NewEngine(recoveryConfig(), exec, recovery.WithSleeper(rec.sleep))

	stepA := domain.Step{StepID: "A", Critical: true, Recovery: domain.Retry(3)}
	res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeStrict, stepA))

	if !res.Success {
		t.Fatalf("expected success, got %q", res.ErrorMessage)
	}
	if len(res.StepResults) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(res.StepResults))
	}
	sr := res.StepResults[0]
	if sr.RecoveryAttempts != 3 || !sr.Success || sr.State != domain.StepStateRecoveredSuccess {
		t.Errorf("unexpected step result %+v", sr)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if !reflect.DeepEqual(rec.delays, want) {
		t.Errorf("expected sleeps %v, got %v", want, rec.delays)
	}
	if res.Metrics.RecoveredSteps != 1 || res.Metrics.SuccessfulSteps != 1 {
		t.Errorf("unexpected metrics %+v", res.Metrics)
	}
	if res.Status != domain.FlowStatusCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
}

func TestExecute_RetryRecoversCriticalStep_RealBackoff(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(3, "connection refused")})
	engine := recovery.NewEngine(recoveryConfig(), exec)

	start := time.Now()
	res := NewExecutor(exec, engine).Execute(context.Background(),
		plan(domain.AtomicModeStrict, domain.Step{StepID: "A", Critical: true, Recovery: domain.Retry(3)}))

	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("expected at least 300ms of backoff, took %v", elapsed)
	}
	if !res.Success || res.StepResults[0].RecoveryAttempts != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_PermanentErrorAbortsStrictFlow(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(10, "invalid signature")})
	engine := recovery.NewEngine(recoveryConfig(), exec)

	stepA := domain.Step{StepID: "A", Critical: true}
	res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeStrict, stepA))

	if res.Success {
		t.Fatal("expected failure")
	}
	if len(res.StepResults) != 1 {
		t.Fatalf("expected 1 step result, got %d", len(res.StepResults))
	}
	if res.StepResults[0].Success || res.StepResults[0].State != domain.StepStateRecoveredFailure {
		t.Errorf("unexpected step result %+v", res.StepResults[0])
	}
	if res.Status != domain.FlowStatusAborted {
		t.Errorf("expected aborted, got %s", res.Status)
	}
	if res.ErrorMessage != "flow failed with 1 critical failures" {
		t.Errorf("unexpected message %q", res.ErrorMessage)
	}
	if exec.count("A") != 1 {
		t.Errorf("expected no re-execution of a permanent failure, got %d calls", exec.count("A"))
	}
}

func TestExecute_LenientContinuesPastCriticalFailure(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(10, "invalid signature")})
	engine := recovery.NewEngine(recoveryConfig(), exec)

	res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeLenient,
		domain.Step{StepID: "A", Critical: true},
		domain.Step{StepID: "B", Critical: false},
	))

	if res.Metrics.CriticalFailures != 1 {
		t.Errorf("expected 1 critical failure, got %d", res.Metrics.CriticalFailures)
	}
	if res.Metrics.SuccessfulSteps != 1 {
		t.Errorf("expected 1 successful step, got %d", res.Metrics.SuccessfulSteps)
	}
	if !res.Success {
		t.Errorf("lenient flow with a successful step should succeed: %q", res.ErrorMessage)
	}
	if len(res.StepResults) != 2 || res.Status != domain.FlowStatusCompleted {
		t.Errorf("unexpected results %+v", res)
	}
}

func TestExecute_RecoveryDeadlineAbortsFlow(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(10, "timeout")})
	exec.delay["A"] = 100 * time.Millisecond

	cfg := recoveryConfig()
	cfg.MaxRecoveryTime = 50 * time.Millisecond

	for _, critical := range []bool{true, false} {
		exec.calls = map[string]int{}
		engine := recovery.NewEngine(cfg, exec)
		res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeLenient,
			domain.Step{StepID: "A", Critical: critical},
			domain.Step{StepID: "B"},
		))

		if res.Success {
			t.Errorf("critical=%v: timeout must fail the flow", critical)
		}
		if len(res.StepResults) != 1 || exec.count("B") != 0 {
			t.Errorf("critical=%v: no step may run after a timeout", critical)
		}
		if res.StepResults[0].ErrorMessage != "recovery deadline exceeded" {
			t.Errorf("critical=%v: unexpected step error %q", critical, res.StepResults[0].ErrorMessage)
		}
		if exec.count("A") != 2 {
			t.Errorf("critical=%v: expected one recovery attempt before the deadline, got %d calls", critical, exec.count("A"))
		}
		if res.Status != domain.FlowStatusAborted {
			t.Errorf("critical=%v: expected aborted status", critical)
		}
	}
}

// ctxExecutor fails the first call of each step with failErr and then
// blocks every further call of a blocked step until ctx is done.
type ctxExecutor struct {
	mu      sync.Mutex
	failErr error
	blocked map[string]bool
	calls   map[string]int
}

func (e *ctxExecutor) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	e.mu.Lock()
	n := e.calls[step.StepID]
	e.calls[step.StepID]++
	e.mu.Unlock()

	if !e.blocked[step.StepID] {
		return domain.StepResult{StepID: step.StepID}, nil
	}
	if n == 0 {
		return domain.StepResult{StepID: step.StepID}, e.failErr
	}
	<-ctx.Done()
	return domain.StepResult{StepID: step.StepID}, ctx.Err()
}

func (e *ctxExecutor) count(stepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[stepID]
}

func TestExecute_ContextAwareStepHitsRecoveryDeadline(t *testing.T) {
	cfg := recoveryConfig()
	cfg.MaxRecoveryTime = 50 * time.Millisecond

	for _, mode := range []domain.AtomicMode{domain.AtomicModeStrict, domain.AtomicModeLenient} {
		exec := &ctxExecutor{
			failErr: errors.New("connection timeout"),
			blocked: map[string]bool{"A": true},
			calls:   map[string]int{},
		}
		engine := recovery.NewEngine(cfg, exec)
		res := NewExecutor(exec, engine).Execute(context.Background(), plan(mode,
			domain.Step{StepID: "A"},
			domain.Step{StepID: "B"},
		))

		if res.Success || res.Status != domain.FlowStatusAborted {
			t.Errorf("%s: expected aborted failed flow, got success=%v status=%s", mode, res.Success, res.Status)
		}
		if exec.count("B") != 0 || len(res.StepResults) != 1 {
			t.Errorf("%s: no step may run after the deadline, B calls=%d results=%d",
				mode, exec.count("B"), len(res.StepResults))
		}
		if got := res.StepResults[0].ErrorMessage; got != "recovery deadline exceeded" {
			t.Errorf("%s: unexpected step error %q", mode, got)
		}
	}
}

// capExecutor records calls whose prior slice has room to grow in place.
type capExecutor struct {
	failFirst map[string]bool
	shared    []string
}

func (e *capExecutor) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	if cap(prior) > len(prior) {
		e.shared = append(e.shared, step.StepID)
	}
	if e.failFirst[step.StepID] {
		delete(e.failFirst, step.StepID)
		return domain.StepResult{StepID: step.StepID}, errors.New("connection reset")
	}
	return domain.StepResult{StepID: step.StepID}, nil
}

func TestExecute_PriorResultsAreClipped(t *testing.T) {
	exec := &capExecutor{failFirst: map[string]bool{"B": true}}
	rec := &sleepRecorder{}
	engine := recovery.NewEngine(recoveryConfig(), exec, recovery.WithSleeper(rec.sleep))
	res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeStrict,
		domain.Step{StepID: "A"},
		domain.Step{StepID: "B"},
		domain.Step{StepID: "C"},
		domain.Step{StepID: "D"},
	))

	if !res.Success {
		t.Fatalf("expected success, got %q", res.ErrorMessage)
	}
	if len(exec.shared) != 0 {
		t.Errorf("prior shared spare capacity with the flow's results for %v", exec.shared)
	}
}

// =============================================================================
// Properties
// =============================================================================

func TestExecute_StrictNonCriticalFailureStillSucceeds(t *testing.T) {
	exec := newScript(map[string][]error{"B": repeat(10, "invalid signature")})
	engine := recovery.NewEngine(recoveryConfig(), exec)

	for _, mode := range []domain.AtomicMode{domain.AtomicModeStrict, domain.AtomicModeConditional} {
		exec.calls = map[string]int{}
		res := NewExecutor(exec, engine).Execute(context.Background(), plan(mode,
			domain.Step{StepID: "A", Critical: true},
			domain.Step{StepID: "B", Critical: false},
			domain.Step{StepID: "C", Critical: true},
		))
		if !res.Success {
			t.Errorf("%s: expected success, got %q", mode, res.ErrorMessage)
		}
		if len(res.StepResults) != 3 || res.Metrics.NonCriticalFailures != 1 || res.Metrics.FailedSteps != 1 {
			t.Errorf("%s: unexpected metrics %+v", mode, res.Metrics)
		}
	}
}

func TestExecute_ExhaustedRecovery(t *testing.T) {
	exec := newScript(map[string][]error{"A": repeat(1, "x"), "B": repeat(1, "x")})
	engine := recovery.NewEngine(recoveryConfig(), exec, recovery.WithStrategies(faultingStrategy{msg: "bad state"}))

	// non-critical exhaustion continues
	res := NewExecutor(exec, engine).Execute(context.Background(), plan(domain.AtomicModeStrict,
		domain.Step{StepID: "A"},
		domain.Step{StepID: "B", Critical: true},
		domain.Step{StepID: "C"},
	))

	if len(res.StepResults) != 2 {
		t.Fatalf("expected abort after critical exhaustion, got %d results", len(res.StepResults))
	}
	if res.StepResults[0].ErrorMessage != "all recovery strategies exhausted" {
		t.Errorf("unexpected message %q", res.StepResults[0].ErrorMessage)
	}
	if res.Metrics.CriticalFailures != 1 || res.Metrics.NonCriticalFailures != 1 {
		t.Errorf("each failed step must be counted once: %+v", res.Metrics)
	}
	if res.Success || res.Status != domain.FlowStatusAborted {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_ResultCountNeverExceedsPlan(t *testing.T) {
	exec := newScript(map[string][]error{"s2": repeat(10, "invalid signature")})
	engine := recovery.NewEngine(recoveryConfig(), exec)

	steps := []domain.Step{
		{StepID: "s1", Critical: true},
		{StepID: "s2", Critical: true},
		{StepID: "s3", Critical: true},
	}
	for _, mode := range []domain.AtomicMode{domain.AtomicModeStrict, domain.AtomicModeLenient, domain.AtomicModeConditional} {
		res := NewExecutor(exec, engine).Execute(context.Background(), plan(mode, steps...))
		if len(res.StepResults) > len(steps) {
			t.Errorf("%s: %d results for %d steps", mode, len(res.StepResults), len(steps))
		}
		aborted := res.Status == domain.FlowStatusAborted
		if !aborted && len(res.StepResults) != len(steps) {
			t.Errorf("%s: completed flow must have a result per step", mode)
		}
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	exec := newScript(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewExecutor(exec, nil).Execute(ctx, plan(domain.AtomicModeLenient, domain.Step{StepID: "A"}))
	if res.Success || res.Status != domain.FlowStatusAborted || res.ErrorMessage != "flow cancelled" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.StepResults) != 0 {
		t.Errorf("no step should run, got %d results", len(res.StepResults))
	}
}

func TestExecute_CancelledDuringRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := StepExecutorFunc(func(context.Context, domain.Step, []domain.StepResult) (domain.StepResult, error) {
		cancel()
		return domain.StepResult{}, errors.New("timeout")
	})

	res := NewExecutor(exec, recovery.NewEngine(recoveryConfig(), exec)).Execute(ctx,
		plan(domain.AtomicModeLenient, domain.Step{StepID: "A"}, domain.Step{StepID: "B"}))
	if res.Success || res.ErrorMessage != "flow cancelled" || len(res.StepResults) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_ExecutorPanic(t *testing.T) {
	exec := StepExecutorFunc(func(context.Context, domain.Step, []domain.StepResult) (domain.StepResult, error) {
		panic("executor bug")
	})

	res := NewExecutor(exec, recovery.NewEngine(recoveryConfig(), exec)).Execute(context.Background(),
		plan(domain.AtomicModeStrict, domain.Step{StepID: "A", Critical: true}))
	if res.Success || len(res.StepResults) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_NilPlan(t *testing.T) {
	res := NewExecutor(newScript(nil), nil).Execute(context.Background(), nil)
	if res.Success || res.ErrorMessage == "" {
		t.Errorf("expected failed result, got %+v", res)
	}
}

func TestExecute_EmptyPlanFails(t *testing.T) {
	res := NewExecutor(newScript(nil), nil).Execute(context.Background(), plan(domain.AtomicModeLenient))
	if res.Success {
		t.Error("a flow with no successful steps cannot succeed")
	}
}

func TestExecute_PassesPriorResults(t *testing.T) {
	var seen []int
	exec := StepExecutorFunc(func(_ context.Context, step domain.Step, prior []domain.StepResult) (domain.StepResult, error) {
		seen = append(seen, len(prior))
		return domain.StepResult{}, nil
	})

	NewExecutor(exec, nil).Execute(context.Background(), plan(domain.AtomicModeStrict,
		domain.Step{StepID: "a"}, domain.Step{StepID: "b"}, domain.Step{StepID: "c"}))
	if !reflect.DeepEqual(seen, []int{0, 1, 2}) {
		t.Errorf("expected prior lengths [0 1 2], got %v", seen)
	}
}

func TestExecute_GeneratesFlowID(t *testing.T) {
	p := plan(domain.AtomicModeStrict, domain.Step{StepID: "a"})
	p.FlowID = ""

	res := NewExecutor(newScript(nil), nil).Execute(context.Background(), p)
	if res.FlowID == "" {
		t.Error("expected generated flow id")
	}
	if p.FlowID != "" {
		t.Error("plan must not be mutated")
	}
}

// =============================================================================
// Telemetry
// =============================================================================

func TestExecute_EmitsEvents(t *testing.T) {
	exec := newScript(map[string][]error{"swap_1": repeat(1, "jupiter error")})
	events := &eventLog{}
	engine := recovery.NewEngine(recoveryConfig(), exec)

	res := NewExecutor(exec, engine, WithSink(events)).Execute(context.Background(), plan(domain.AtomicModeStrict,
		domain.Step{StepID: "prepare"},
		domain.Step{StepID: "swap_1", Critical: true},
	))
	if !res.Success {
		t.Fatalf("expected alternative flow recovery, got %q", res.ErrorMessage)
	}

	want := []telemetry.EventType{
		telemetry.EventFlowStarted,
		telemetry.EventStepStarted, telemetry.EventStepCompleted,
		telemetry.EventStepStarted, telemetry.EventRecovery, telemetry.EventStepCompleted,
		telemetry.EventFlowCompleted,
	}
	if got := events.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	rec := events.events[4]
	if rec.Strategy != string(domain.StrategyAlternativeFlow) || rec.Outcome != "continue" {
		t.Errorf("unexpected recovery event %+v", rec)
	}
}

func TestExecute_SinkFailureDoesNotAffectOutcome(t *testing.T) {
	bad := telemetry.SinkFunc(func(context.Context, telemetry.Event) error { panic("sink down") })

	res := NewExecutor(newScript(nil), nil, WithSink(bad)).Execute(context.Background(),
		plan(domain.AtomicModeStrict, domain.Step{StepID: "a"}))
	if !res.Success {
		t.Errorf("sink failure changed the outcome: %q", res.ErrorMessage)
	}
}

func TestFlowResult_JSONRoundTrip(t *testing.T) {
	exec := newScript(map[string][]error{"b": repeat(10, "invalid signature")})
	p := plan(domain.AtomicModeStrict,
		domain.Step{StepID: "a", RequiredTools: []string{"balance_tool"}},
		domain.Step{StepID: "b"},
	)
	p.Context = map[string]any{"wallet": "abc"}
	res := NewExecutor(exec, nil).Execute(context.Background(), p)

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back domain.FlowResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.FlowID != res.FlowID || back.Success != res.Success || back.Status != res.Status ||
		back.Metrics != res.Metrics || len(back.StepResults) != len(res.StepResults) ||
		!back.StartedAt.Equal(res.StartedAt) || back.FinalContext["wallet"] != "abc" {
		t.Errorf("round trip lost data:\n%+v\n%+v", res, back)
	}
	for i := range res.StepResults {
		a, b := res.StepResults[i], back.StepResults[i]
		if a.StepID != b.StepID || a.Success != b.Success || a.Duration != b.Duration ||
			a.RecoveryAttempts != b.RecoveryAttempts || a.ErrorMessage != b.ErrorMessage || a.State != b.State {
			t.Errorf("step %d differs: %+v vs %+v", i, a, b)
		}
	}
}
