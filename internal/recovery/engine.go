package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/interaction"
	"github.com/vietddude/reflow/internal/log"
)

// maxStrategyAttempts bounds how often a faulting strategy is re-invoked.
const maxStrategyAttempts = 3

// Engine runs the recovery pipeline for failed steps of one flow.
//
// An Engine is not safe for concurrent use. Each flow run owns its own
// Engine and therefore its own metrics.
type Engine struct {
	cfg        domain.RecoveryConfig
	exec       Executor
	classifier Classifier
	registry   *Registry
	channel    interaction.Channel
	sleep      Sleeper
	logger     *slog.Logger
	strategies []Strategy
	metrics    domain.RecoveryMetrics
}

type Option func(*Engine)

func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithChannel(ch interaction.Channel) Option {
	return func(e *Engine) { e.channel = ch }
}

func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStrategies replaces the standard pipeline.
func WithStrategies(s ...Strategy) Option {
	return func(e *Engine) { e.strategies = s }
}

// NewEngine builds the Retry, AlternativeFlow, UserFulfillment pipeline
// around exec.
func NewEngine(cfg domain.RecoveryConfig, exec Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		exec:    exec,
		metrics: domain.RecoveryMetrics{RecoveriesByStrategy: map[domain.StrategyKind]int{}},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = DefaultClassifier()
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.sleep == nil {
		e.sleep = Wait
	}
	e.logger = log.OrDefault(e.logger)

	if e.strategies == nil {
		e.strategies = []Strategy{
			NewRetryStrategy(exec, e.classifier, BackoffFromConfig(cfg), e.sleep, e.logger),
			NewAlternativeFlowStrategy(cfg.EnableAlternativeFlows, e.registry, exec, e.logger),
			NewUserFulfillmentStrategy(cfg.EnableUserFulfillment, e.channel, exec, e.logger),
		}
	}
	return e
}

// RecoverStep tries each applicable strategy in order until one completes.
// The whole call is bounded by MaxRecoveryTime.
func (e *Engine) RecoverStep(
	ctx context.Context,
	step domain.Step,
	plan *domain.FlowPlan,
	prior []domain.StepResult,
	errText string,
) (domain.RecoveryResult, domain.RecoveryOutcome) {
	start := time.Now()
	deadline := start.Add(e.cfg.MaxRecoveryTime)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sc := &StepContext{
		Step:     step,
		Plan:     plan,
		Prior:    prior,
		Deadline: deadline,
	}
	mode := atomicMode(plan)
	flowID := sc.flowID()
	totalAttempts := 0

	e.logger.Info("Starting recovery for failed step",
		log.FlowID(flowID),
		log.StepID(step.StepID),
		slog.Bool("critical", step.Critical),
		slog.String("atomic_mode", string(mode)),
		log.ErrorString(errText),
	)

	var fallback *domain.RecoveryResult
	for _, strategy := range e.strategies {
		kind := strategy.Kind()
		if !strategy.IsApplicable(step) {
			e.logger.Debug("Strategy not applicable for step",
				log.Strategy(kind), log.StepID(step.StepID))
			continue
		}

		for attempt := 1; ; attempt++ {
			if sc.DeadlineExceeded(rctx) {
				return e.timedOut(flowID, step, kind, totalAttempts, start)
			}

			sc.Attempt = attempt
			res, err := e.invoke(rctx, strategy, sc, errText)
			e.record(kind, err == nil && res.Success, time.Since(start))

			if err == nil {
				// A step cut off by the deadline reports an ordinary error
				if !res.Success && !res.Skipped && sc.DeadlineExceeded(rctx) {
					return e.timedOut(flowID, step, kind, totalAttempts+res.AttemptsMade, start)
				}
				res.RecoveryTime = time.Since(start)
				if declined(res) {
					e.logger.Debug("Strategy declined, moving on",
						log.Strategy(kind), log.StepID(step.StepID),
						log.ErrorString(res.ErrorMessage))
					fallback = &res
					break
				}
				outcome := DetermineOutcome(step, res, mode, false)
				e.logResult(flowID, step, kind, res, outcome)
				return res, outcome
			}

			totalAttempts++
			if errors.Is(err, ErrUserAbort) {
				e.logger.Warn("Flow aborted by user",
					log.FlowID(flowID), log.StepID(step.StepID))
				return domain.RecoveryResult{
					AttemptsMade: totalAttempts,
					StrategyUsed: strategyUsed(step, kind),
					ErrorMessage: ErrUserAbort.Error(),
					RecoveryTime: time.Since(start),
				}, domain.OutcomeAbortCritical
			}

			e.logger.Error("Recovery attempt failed",
				log.StepID(step.StepID),
				log.Strategy(kind),
				slog.Int("attempt", attempt),
				log.Error(err),
			)

			if rctx.Err() != nil {
				// Deadline check at the top of the loop reports it
				continue
			}
			if attempt < maxStrategyAttempts && e.classifier.ShouldRetry(err.Error()) {
				delay := BackoffFromConfig(e.cfg).Delay(attempt)
				e.logger.Debug("Waiting before retrying strategy",
					log.StepID(step.StepID), slog.Duration("delay", delay))
				_ = e.sleep(rctx, delay)
				continue
			}
			break
		}
	}

	if fallback != nil {
		outcome := DetermineOutcome(step, *fallback, mode, false)
		e.logResult(flowID, step, fallback.StrategyUsed.Kind, *fallback, outcome)
		return *fallback, outcome
	}

	res := domain.RecoveryResult{
		AttemptsMade: totalAttempts,
		StrategyUsed: domain.RecoveryStrategy{Kind: domain.StrategyRetry},
		ErrorMessage: msgExhausted,
		RecoveryTime: time.Since(start),
	}
	outcome := DetermineOutcome(step, res, mode, true)
	e.logger.Error("All recovery strategies failed",
		log.FlowID(flowID),
		log.StepID(step.StepID),
		slog.Int("total_attempts", totalAttempts),
		log.Outcome(outcome),
	)
	return res, outcome
}

func (e *Engine) timedOut(
	flowID string,
	step domain.Step,
	kind domain.StrategyKind,
	attempts int,
	start time.Time,
) (domain.RecoveryResult, domain.RecoveryOutcome) {
	e.logger.Warn("Recovery deadline exceeded, aborting",
		log.FlowID(flowID), log.StepID(step.StepID))
	return domain.RecoveryResult{
		AttemptsMade: attempts,
		StrategyUsed: strategyUsed(step, kind),
		ErrorMessage: ErrDeadlineExceeded.Error(),
		RecoveryTime: time.Since(start),
	}, domain.OutcomeAbortTimeout
}

// invoke runs one strategy attempt and turns a panic into an error.
func (e *Engine) invoke(
	ctx context.Context,
	s Strategy,
	sc *StepContext,
	errText string,
) (res domain.RecoveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.RecoveryResult{}
			err = fmt.Errorf("strategy %s panicked: %v", s.Kind(), r)
		}
	}()
	return s.Attempt(ctx, sc, errText)
}

func (e *Engine) record(kind domain.StrategyKind, success bool, elapsed time.Duration) {
	e.metrics.TotalAttempts++
	if success {
		e.metrics.SuccessfulRecoveries++
	} else {
		e.metrics.FailedRecoveries++
	}
	e.metrics.TotalRecoveryTime += elapsed
	e.metrics.RecoveriesByStrategy[kind]++
}

func (e *Engine) logResult(
	flowID string,
	step domain.Step,
	kind domain.StrategyKind,
	res domain.RecoveryResult,
	outcome domain.RecoveryOutcome,
) {
	attrs := []any{
		log.FlowID(flowID),
		log.StepID(step.StepID),
		log.Strategy(kind),
		slog.Int("attempts", res.AttemptsMade),
		slog.Duration("recovery_time", res.RecoveryTime),
		log.Outcome(outcome),
	}
	if res.Success {
		e.logger.Info("Recovery successful", attrs...)
		return
	}
	e.logger.Warn("Recovery failed", append(attrs, log.ErrorString(res.ErrorMessage))...)
}

// Metrics returns a snapshot of the engine's running totals.
func (e *Engine) Metrics() domain.RecoveryMetrics {
	out := e.metrics
	out.RecoveriesByStrategy = maps.Clone(e.metrics.RecoveriesByStrategy)
	return out
}

// ResetMetrics clears the running totals.
func (e *Engine) ResetMetrics() {
	e.metrics = domain.RecoveryMetrics{RecoveriesByStrategy: map[domain.StrategyKind]int{}}
}

// DetermineOutcome maps a recovery result to what the flow should do next.
func DetermineOutcome(
	step domain.Step,
	res domain.RecoveryResult,
	mode domain.AtomicMode,
	exhausted bool,
) domain.RecoveryOutcome {
	switch {
	case res.Success:
		return domain.OutcomeContinue
	case res.Skipped:
		return domain.OutcomeContinueNonCritical
	case mode == domain.AtomicModeLenient:
		return domain.OutcomeContinueNonCritical
	case exhausted:
		return domain.OutcomeAbortNoMoreAttempts
	case step.Critical:
		return domain.OutcomeAbortCritical
	default:
		return domain.OutcomeContinueNonCritical
	}
}

func atomicMode(plan *domain.FlowPlan) domain.AtomicMode {
	if plan == nil || !plan.AtomicMode.Valid() {
		return domain.AtomicModeStrict
	}
	return plan.AtomicMode
}

func strategyUsed(step domain.Step, kind domain.StrategyKind) domain.RecoveryStrategy {
	if step.Recovery != nil {
		return *step.Recovery
	}
	return domain.RecoveryStrategy{Kind: kind}
}
