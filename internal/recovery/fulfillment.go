package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/interaction"
	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/metrics"
)

// UserFulfillmentStrategy asks an operator how to proceed and acts on the
// reply. It is the only strategy that waits on something outside the
// process.
type UserFulfillmentStrategy struct {
	enabled bool
	channel interaction.Channel
	exec    Executor
	logger  *slog.Logger
}

func NewUserFulfillmentStrategy(
	enabled bool,
	channel interaction.Channel,
	exec Executor,
	logger *slog.Logger,
) *UserFulfillmentStrategy {
	return &UserFulfillmentStrategy{
		enabled: enabled,
		channel: channel,
		exec:    exec,
		logger:  log.OrDefault(logger),
	}
}

func (s *UserFulfillmentStrategy) Kind() domain.StrategyKind {
	return domain.StrategyUserFulfillment
}

func (s *UserFulfillmentStrategy) IsApplicable(domain.Step) bool {
	return s.enabled && s.channel != nil
}

// Questions builds the prompt shown to the operator.
func Questions(step domain.Step, errText string) []string {
	qs := []string{
		fmt.Sprintf("Step '%s' failed: %s. Would you like to retry this step?", step.StepID, errText),
	}
	id := strings.ToLower(step.StepID)
	if strings.Contains(id, "swap") {
		qs = append(qs,
			"Would you like to try a different DEX (e.g., Raydium instead of Jupiter)?",
			"Would you like to reduce the swap amount?",
		)
	}
	if strings.Contains(id, "lend") {
		qs = append(qs,
			"Would you like to try a different lending protocol?",
			"Would you like to reduce the lending amount?",
		)
	}
	if r := step.Recovery; r != nil && r.Kind == domain.StrategyUserFulfillment {
		qs = append(qs, r.Questions...)
	}
	return append(qs,
		"Would you like to skip this step and continue?",
		"Would you like to abort the entire flow?",
	)
}

func (s *UserFulfillmentStrategy) Attempt(
	ctx context.Context,
	sc *StepContext,
	errText string,
) (domain.RecoveryResult, error) {
	if s.channel == nil {
		return domain.RecoveryResult{}, interaction.ErrNoChannel
	}
	start := time.Now()
	questions := Questions(sc.Step, errText)
	used := *domain.UserFulfillment(questions)

	reply, err := s.channel.Ask(ctx, interaction.Request{
		FlowID:    sc.flowID(),
		StepID:    sc.Step.StepID,
		Error:     errText,
		Questions: questions,
	})
	if err != nil {
		return domain.RecoveryResult{}, fmt.Errorf("waiting for user decision: %w", err)
	}

	decision := interaction.ParseDecision(reply)
	metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()
	s.logger.Info("User decision received",
		log.FlowID(sc.flowID()),
		log.StepID(sc.Step.StepID),
		slog.String("decision", string(decision)),
	)

	switch decision {
	case interaction.DecisionAbort:
		return domain.RecoveryResult{}, ErrUserAbort
	case interaction.DecisionSkip:
		return domain.RecoveryResult{
			Skipped:      true,
			StrategyUsed: used,
			ErrorMessage: "step skipped by user",
			RecoveryTime: time.Since(start),
		}, nil
	}

	res, err := SafeExecute(ctx, s.exec, sc.Step, sc.Prior)
	if err != nil {
		return domain.RecoveryResult{
			AttemptsMade: 1,
			StrategyUsed: used,
			ErrorMessage: "retry after user decision failed: " + err.Error(),
			RecoveryTime: time.Since(start),
		}, nil
	}
	return domain.RecoveryResult{
		Success:      true,
		AttemptsMade: 1,
		StrategyUsed: used,
		RecoveryTime: time.Since(start),
		StepResult:   &res,
	}, nil
}
