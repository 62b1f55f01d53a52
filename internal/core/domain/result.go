package domain

import "time"

// StepResult is the outcome of executing, and possibly recovering, one step.
type StepResult struct {
	StepID           string        `json:"step_id"`
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	ToolCalls        []string      `json:"tool_calls"`
	Output           any           `json:"output,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	State            StepState     `json:"state"`
}

// FlowMetrics aggregates step counters for one flow run.
type FlowMetrics struct {
	TotalDuration       time.Duration `json:"total_duration"`
	SuccessfulSteps     int           `json:"successful_steps"`
	FailedSteps         int           `json:"failed_steps"`
	CriticalFailures    int           `json:"critical_failures"`
	NonCriticalFailures int           `json:"non_critical_failures"`
	RecoveredSteps      int           `json:"recovered_steps"`
	TotalToolCalls      int           `json:"total_tool_calls"`
}

// SuccessRate returns the fraction of attempted steps that succeeded.
func (m FlowMetrics) SuccessRate() float64 {
	total := m.SuccessfulSteps + m.FailedSteps
	if total == 0 {
		return 0
	}
	return float64(m.SuccessfulSteps) / float64(total)
}

// FlowResult is the terminal artifact of a flow run.
type FlowResult struct {
	FlowID       string         `json:"flow_id"`
	UserPrompt   string         `json:"user_prompt"`
	Success      bool           `json:"success"`
	Status       FlowStatus     `json:"status"`
	StepResults  []StepResult   `json:"step_results"`
	Metrics      FlowMetrics    `json:"metrics"`
	FinalContext map[string]any `json:"final_context,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
}
