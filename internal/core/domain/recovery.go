package domain

import "time"

// RecoveryConfig tunes the recovery pipeline for one flow run.
type RecoveryConfig struct {
	BaseRetryDelay         time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay          time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier      float64       `yaml:"backoff_multiplier"`
	MaxRecoveryTime        time.Duration `yaml:"max_recovery_time"`
	EnableAlternativeFlows bool          `yaml:"enable_alternative_flows"`
	EnableUserFulfillment  bool          `yaml:"enable_user_fulfillment"`
}

// DefaultRecoveryConfig returns the stock recovery settings.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		BaseRetryDelay:         1 * time.Second,
		MaxRetryDelay:          10 * time.Second,
		BackoffMultiplier:      2.0,
		MaxRecoveryTime:        30 * time.Second,
		EnableAlternativeFlows: true,
		EnableUserFulfillment:  false,
	}
}

type StrategyKind string

const (
	StrategyRetry           StrategyKind = "retry"
	StrategyAlternativeFlow StrategyKind = "alternative_flow"
	StrategyUserFulfillment StrategyKind = "user_fulfillment"
)

// RecoveryStrategy selects a recovery approach. Only the fields relevant to
// Kind are set.
type RecoveryStrategy struct {
	Kind      StrategyKind `json:"kind"                yaml:"kind"`
	Attempts  int          `json:"attempts,omitempty"  yaml:"attempts"`
	FlowID    string       `json:"flow_id,omitempty"   yaml:"flow_id"`
	Questions []string     `json:"questions,omitempty" yaml:"questions"`
}

func Retry(attempts int) *RecoveryStrategy {
	return &RecoveryStrategy{Kind: StrategyRetry, Attempts: attempts}
}

func AlternativeFlow(flowID string) *RecoveryStrategy {
	return &RecoveryStrategy{Kind: StrategyAlternativeFlow, FlowID: flowID}
}

func UserFulfillment(questions []string) *RecoveryStrategy {
	return &RecoveryStrategy{Kind: StrategyUserFulfillment, Questions: questions}
}

// RecoveryResult is produced once per strategy invocation.
type RecoveryResult struct {
	Success      bool             `json:"success"`
	AttemptsMade int              `json:"attempts_made"`
	StrategyUsed RecoveryStrategy `json:"strategy_used"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RecoveryTime time.Duration    `json:"recovery_time"`
	// Skipped is set when an operator chose to skip the step.
	Skipped bool `json:"skipped,omitempty"`
	// StepResult holds the execution that recovered the step, if any.
	StepResult *StepResult `json:"step_result,omitempty"`
}

// RecoveryOutcome tells the flow executor what to do after recovery.
type RecoveryOutcome int

const (
	OutcomeContinue RecoveryOutcome = iota
	OutcomeContinueNonCritical
	OutcomeAbortCritical
	OutcomeAbortTimeout
	OutcomeAbortNoMoreAttempts
)

func (o RecoveryOutcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeContinueNonCritical:
		return "continue_non_critical"
	case OutcomeAbortCritical:
		return "abort_critical"
	case OutcomeAbortTimeout:
		return "abort_timeout"
	case OutcomeAbortNoMoreAttempts:
		return "abort_no_more_attempts"
	default:
		return "unknown"
	}
}

// IsAbort reports whether o unconditionally stops the flow.
func (o RecoveryOutcome) IsAbort() bool {
	return o == OutcomeAbortCritical || o == OutcomeAbortTimeout
}

// RecoveryMetrics are running totals kept by one recovery engine.
type RecoveryMetrics struct {
	TotalAttempts        int
	SuccessfulRecoveries int
	FailedRecoveries     int
	TotalRecoveryTime    time.Duration
	RecoveriesByStrategy map[StrategyKind]int
}
