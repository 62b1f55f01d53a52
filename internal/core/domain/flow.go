package domain

import "time"

// AtomicMode controls how step failures affect the success of a whole flow.
type AtomicMode string

const (
	AtomicModeStrict      AtomicMode = "strict"
	AtomicModeLenient     AtomicMode = "lenient"
	AtomicModeConditional AtomicMode = "conditional"
)

// Valid reports whether m is a known mode.
func (m AtomicMode) Valid() bool {
	switch m {
	case AtomicModeStrict, AtomicModeLenient, AtomicModeConditional:
		return true
	}
	return false
}

// FlowPlan is an ordered list of steps produced by a planner.
// The engine never mutates a plan.
type FlowPlan struct {
	FlowID     string         `json:"flow_id"     yaml:"flow_id"`
	UserPrompt string         `json:"user_prompt" yaml:"user_prompt"`
	AtomicMode AtomicMode     `json:"atomic_mode" yaml:"atomic_mode"`
	Steps      []Step         `json:"steps"       yaml:"steps"`
	Context    map[string]any `json:"context"     yaml:"context"`
	Metadata   FlowMetadata   `json:"metadata"    yaml:"metadata"`
}

// FlowMetadata carries descriptive information about a plan.
type FlowMetadata struct {
	Category  string    `json:"category"   yaml:"category"`
	Tags      []string  `json:"tags"       yaml:"tags"`
	Version   string    `json:"version"    yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Step is one unit of work in a plan.
type Step struct {
	StepID         string            `json:"step_id"                 yaml:"step_id"`
	Description    string            `json:"description"             yaml:"description"`
	PromptTemplate string            `json:"prompt_template"         yaml:"prompt_template"`
	RequiredTools  []string          `json:"required_tools"          yaml:"required_tools"`
	Critical       bool              `json:"critical"                yaml:"critical"`
	Recovery       *RecoveryStrategy `json:"recovery,omitempty"      yaml:"recovery"`
	EstimatedTime  time.Duration     `json:"estimated_time,omitempty" yaml:"estimated_time"`
}

// StepState is the lifecycle state of a single step.
type StepState string

const (
	StepStatePending          StepState = "pending"
	StepStateExecuting        StepState = "executing"
	StepStateSucceeded        StepState = "succeeded"
	StepStateFailed           StepState = "failed"
	StepStateRecovering       StepState = "recovering"
	StepStateRecoveredSuccess StepState = "recovered_success"
	StepStateRecoveredFailure StepState = "recovered_failure"
)

// FlowStatus is the terminal state of a flow.
type FlowStatus string

const (
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusAborted   FlowStatus = "aborted"
)
