package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/recovery"
	"github.com/vietddude/reflow/internal/telemetry"
)

// StepExecutor performs the actual work of a step. It may be called more
// than once for the same step while recovering.
type StepExecutor interface {
	Execute(ctx context.Context, step domain.Step, prior []domain.StepResult) (domain.StepResult, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step domain.Step, prior []domain.StepResult) (domain.StepResult, error)

func (f StepExecutorFunc) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	return f(ctx, step, prior)
}

// Executor walks a plan step by step and hands failures to a recovery
// engine. One Executor runs one flow at a time.
type Executor struct {
	steps  StepExecutor
	engine *recovery.Engine
	sink   telemetry.Sink
	logger *slog.Logger
}

type Option func(*Executor)

func WithSink(s telemetry.Sink) Option {
	return func(x *Executor) { x.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// NewExecutor wires steps to engine. A nil engine gets the default recovery
// pipeline.
func NewExecutor(steps StepExecutor, engine *recovery.Engine, opts ...Option) *Executor {
	x := &Executor{steps: steps, engine: engine, sink: telemetry.Nop}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = log.OrDefault(x.logger)
	if x.engine == nil {
		x.engine = recovery.NewEngine(domain.DefaultRecoveryConfig(), steps, recovery.WithLogger(x.logger))
	}
	return x
}

// Execute runs plan to completion or abort. It always returns a
// well-formed result and never panics.
func (x *Executor) Execute(ctx context.Context, plan *domain.FlowPlan) (result domain.FlowResult) {
	startedAt := time.Now().UTC()

	if plan == nil {
		return domain.FlowResult{
			Status:       domain.FlowStatusAborted,
			ErrorMessage: "flow plan is nil",
			StartedAt:    startedAt,
			CompletedAt:  time.Now().UTC(),
		}
	}
	p := *plan
	if p.FlowID == "" {
		p.FlowID = uuid.NewString()
	}
	if !p.AtomicMode.Valid() {
		p.AtomicMode = domain.AtomicModeStrict
	}

	ctx = domain.WithFlowID(ctx, p.FlowID)

	result = domain.FlowResult{
		FlowID:       p.FlowID,
		UserPrompt:   p.UserPrompt,
		StepResults:  make([]domain.StepResult, 0, len(p.Steps)),
		FinalContext: maps.Clone(p.Context),
		StartedAt:    startedAt,
	}

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("Flow execution panicked", log.FlowID(p.FlowID), slog.Any("panic", r))
			result.Success = false
			result.Status = domain.FlowStatusAborted
			result.ErrorMessage = fmt.Sprintf("flow execution panicked: %v", r)
			result.CompletedAt = time.Now().UTC()
			result.Metrics.TotalDuration = result.CompletedAt.Sub(startedAt)
			x.emit(ctx, telemetry.Event{
				Type:       telemetry.EventFlowCompleted,
				FlowID:     p.FlowID,
				AtomicMode: string(p.AtomicMode),
				Status:     string(result.Status),
				Duration:   result.Metrics.TotalDuration,
				Error:      result.ErrorMessage,
			})
		}
	}()

	x.emit(ctx, telemetry.Event{
		Type:       telemetry.EventFlowStarted,
		FlowID:     p.FlowID,
		AtomicMode: string(p.AtomicMode),
	})
	x.logger.Info("Starting flow execution",
		log.FlowID(p.FlowID),
		slog.Int("total_steps", len(p.Steps)),
		slog.String("atomic_mode", string(p.AtomicMode)),
	)

	var (
		m         domain.FlowMetrics
		aborted   bool
		cancelled bool
		timedOut  bool
	)

	for i, step := range p.Steps {
		if ctx.Err() != nil {
			aborted, cancelled = true, true
			break
		}

		x.logger.Debug("Executing step",
			log.FlowID(p.FlowID),
			log.StepID(step.StepID),
			slog.Int("step_index", i),
			slog.Bool("critical", step.Critical),
		)
		x.emit(ctx, telemetry.Event{
			Type:     telemetry.EventStepStarted,
			FlowID:   p.FlowID,
			StepID:   step.StepID,
			Critical: step.Critical,
		})

		stepStart := time.Now()
		sr, err := recovery.SafeExecute(ctx, x.steps, step, slices.Clip(result.StepResults))
		if err == nil {
			sr.StepID = step.StepID
			sr.Success = true
			sr.State = domain.StepStateSucceeded
			sr.ErrorMessage = ""
			if sr.Duration == 0 {
				sr.Duration = time.Since(stepStart)
			}
			result.StepResults = append(result.StepResults, sr)
			m.SuccessfulSteps++
			m.TotalToolCalls += len(sr.ToolCalls)
			x.stepCompleted(ctx, p.FlowID, step, sr)
			continue
		}

		errText := err.Error()
		x.logger.Warn("Step execution failed, attempting recovery",
			log.FlowID(p.FlowID),
			log.StepID(step.StepID),
			log.Error(err),
		)

		// Provisional entry, replaced once recovery finishes
		idx := len(result.StepResults)
		result.StepResults = append(result.StepResults, domain.StepResult{
			StepID:       step.StepID,
			Duration:     time.Since(stepStart),
			ToolCalls:    sr.ToolCalls,
			ErrorMessage: errText,
			State:        domain.StepStateRecovering,
		})

		rr, outcome := x.engine.RecoverStep(ctx, step, &p, slices.Clip(result.StepResults[:idx]), errText)

		final := domain.StepResult{
			StepID:           step.StepID,
			Success:          rr.Success,
			Duration:         time.Since(stepStart),
			RecoveryAttempts: rr.AttemptsMade,
		}
		if rr.Success {
			final.State = domain.StepStateRecoveredSuccess
			if rr.StepResult != nil {
				final.ToolCalls = rr.StepResult.ToolCalls
				final.Output = rr.StepResult.Output
			}
			m.SuccessfulSteps++
			m.RecoveredSteps++
		} else {
			final.State = domain.StepStateRecoveredFailure
			final.ErrorMessage = rr.ErrorMessage
			if final.ErrorMessage == "" {
				final.ErrorMessage = errText
			}
			m.FailedSteps++
			if step.Critical {
				m.CriticalFailures++
			} else {
				m.NonCriticalFailures++
			}
		}
		m.TotalToolCalls += len(final.ToolCalls)
		result.StepResults[idx] = final

		x.emit(ctx, telemetry.Event{
			Type:     telemetry.EventRecovery,
			FlowID:   p.FlowID,
			StepID:   step.StepID,
			Critical: step.Critical,
			Success:  rr.Success,
			Strategy: string(rr.StrategyUsed.Kind),
			Outcome:  outcome.String(),
			Attempts: rr.AttemptsMade,
			Duration: rr.RecoveryTime,
			Error:    rr.ErrorMessage,
		})
		x.stepCompleted(ctx, p.FlowID, step, final)

		switch outcome {
		case domain.OutcomeAbortTimeout:
			aborted, timedOut = true, true
		case domain.OutcomeAbortCritical:
			aborted = true
		case domain.OutcomeAbortNoMoreAttempts:
			aborted = step.Critical
		}
		if aborted {
			x.logger.Error("Aborting flow",
				log.FlowID(p.FlowID),
				log.StepID(step.StepID),
				log.Outcome(outcome),
			)
			break
		}
	}

	if timedOut && ctx.Err() != nil {
		cancelled = true
	}

	result.CompletedAt = time.Now().UTC()
	m.TotalDuration = result.CompletedAt.Sub(startedAt)
	result.Metrics = m
	result.Success = flowSucceeded(p.AtomicMode, m) && !timedOut && !cancelled
	result.Status = domain.FlowStatusCompleted
	if aborted {
		result.Status = domain.FlowStatusAborted
	}

	if !result.Success {
		switch {
		case cancelled:
			result.ErrorMessage = "flow cancelled"
		case timedOut:
			result.ErrorMessage = "flow aborted: recovery deadline exceeded"
		default:
			result.ErrorMessage = fmt.Sprintf("flow failed with %d critical failures", m.CriticalFailures)
		}
	}

	x.emit(ctx, telemetry.Event{
		Type:       telemetry.EventFlowCompleted,
		FlowID:     p.FlowID,
		AtomicMode: string(p.AtomicMode),
		Success:    result.Success,
		Status:     string(result.Status),
		Duration:   m.TotalDuration,
		Error:      result.ErrorMessage,
	})
	x.logger.Info("Flow execution finished",
		log.FlowID(p.FlowID),
		slog.Bool("success", result.Success),
		slog.String("status", string(result.Status)),
		slog.Int("successful_steps", m.SuccessfulSteps),
		slog.Int("critical_failures", m.CriticalFailures),
		slog.Duration("duration", m.TotalDuration),
	)
	return result
}

// flowSucceeded applies the atomic mode's success rule. Strict and
// Conditional currently share one rule.
func flowSucceeded(mode domain.AtomicMode, m domain.FlowMetrics) bool {
	switch mode {
	case domain.AtomicModeLenient:
		return m.SuccessfulSteps > 0
	case domain.AtomicModeConditional:
		return m.CriticalFailures == 0 && m.SuccessfulSteps > 0
	default:
		return m.CriticalFailures == 0 && m.SuccessfulSteps > 0
	}
}

func (x *Executor) stepCompleted(ctx context.Context, flowID string, step domain.Step, sr domain.StepResult) {
	x.emit(ctx, telemetry.Event{
		Type:     telemetry.EventStepCompleted,
		FlowID:   flowID,
		StepID:   step.StepID,
		Critical: step.Critical,
		Success:  sr.Success,
		State:    string(sr.State),
		Attempts: sr.RecoveryAttempts,
		Duration: sr.Duration,
		Error:    sr.ErrorMessage,
	})
}

func (x *Executor) emit(ctx context.Context, ev telemetry.Event) {
	telemetry.SafeEmit(ctx, x.sink, ev, x.logger)
}
