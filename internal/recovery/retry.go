package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/log"
)

const DefaultRetryAttempts = 3

// RetryStrategy re-executes a failed step with exponential backoff.
type RetryStrategy struct {
	exec       Executor
	classifier Classifier
	backoff    Backoff
	sleep      Sleeper
	logger     *slog.Logger
}

func NewRetryStrategy(
	exec Executor,
	classifier Classifier,
	backoff Backoff,
	sleep Sleeper,
	logger *slog.Logger,
) *RetryStrategy {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if sleep == nil {
		sleep = Wait
	}
	return &RetryStrategy{
		exec:       exec,
		classifier: classifier,
		backoff:    backoff,
		sleep:      sleep,
		logger:     log.OrDefault(logger),
	}
}

func (s *RetryStrategy) Kind() domain.StrategyKind { return domain.StrategyRetry }

// IsApplicable is always true; retry is the first line of recovery.
func (s *RetryStrategy) IsApplicable(domain.Step) bool { return true }

func (s *RetryStrategy) Attempt(
	ctx context.Context,
	sc *StepContext,
	errText string,
) (domain.RecoveryResult, error) {
	start := time.Now()
	maxAttempts := DefaultRetryAttempts
	if r := sc.Step.Recovery; r != nil && r.Kind == domain.StrategyRetry && r.Attempts > 0 {
		maxAttempts = r.Attempts
	}
	used := *domain.Retry(maxAttempts)

	if !s.classifier.ShouldRetry(errText) {
		return domain.RecoveryResult{
			StrategyUsed: used,
			ErrorMessage: "error is not retryable: " + errText,
			RecoveryTime: time.Since(start),
		}, nil
	}

	lastErr := errText
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := SafeExecute(ctx, s.exec, sc.Step, sc.Prior)
		if err == nil {
			s.logger.Info("Retry succeeded",
				log.StepID(sc.Step.StepID),
				slog.Int("attempt", attempt),
			)
			return domain.RecoveryResult{
				Success:      true,
				AttemptsMade: attempt,
				StrategyUsed: used,
				RecoveryTime: time.Since(start),
				StepResult:   &res,
			}, nil
		}
		if ctx.Err() != nil {
			return domain.RecoveryResult{}, fmt.Errorf("retry attempt %d interrupted: %w", attempt, ctx.Err())
		}
		lastErr = err.Error()

		if attempt == maxAttempts {
			break
		}
		if !s.classifier.ShouldRetry(lastErr) {
			return domain.RecoveryResult{
				AttemptsMade: attempt,
				StrategyUsed: used,
				ErrorMessage: "error is not retryable: " + lastErr,
				RecoveryTime: time.Since(start),
			}, nil
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Debug("Retry attempt failed, backing off",
			log.StepID(sc.Step.StepID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			log.ErrorString(lastErr),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return domain.RecoveryResult{}, fmt.Errorf("retry backoff interrupted: %w", err)
		}
	}

	return domain.RecoveryResult{
		AttemptsMade: maxAttempts,
		StrategyUsed: used,
		ErrorMessage: fmt.Sprintf("all %d retry attempts failed: %s", maxAttempts, lastErr),
		RecoveryTime: time.Since(start),
	}, nil
}
