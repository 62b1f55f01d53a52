package flow

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/reflow/internal/core/domain"
)

var (
	ErrNoSteps         = errors.New("plan has no steps")
	ErrMissingStepID   = errors.New("step is missing step_id")
	ErrDuplicateStepID = errors.New("duplicate step_id")
	ErrInvalidMode     = errors.New("invalid atomic_mode")
	ErrInvalidRecovery = errors.New("invalid recovery strategy")

	// ErrFlowRunning is returned when a submitted flow id is already executing
	ErrFlowRunning = errors.New("flow is already running")
	// ErrAtCapacity is returned when no more flows may run concurrently
	ErrAtCapacity = errors.New("too many flows running")
)

// LoadPlan reads a YAML plan file. Environment variables in the file are
// expanded before parsing.
func LoadPlan(path string) (*domain.FlowPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*domain.FlowPlan, error) {
	var plan domain.FlowPlan
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	plan.Context = normalizeMap(plan.Context)
	if plan.AtomicMode == "" {
		plan.AtomicMode = domain.AtomicModeStrict
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ValidatePlan checks structural invariants of a plan.
func ValidatePlan(plan *domain.FlowPlan) error {
	if len(plan.Steps) == 0 {
		return ErrNoSteps
	}
	if plan.AtomicMode != "" && !plan.AtomicMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, plan.AtomicMode)
	}
	seen := make(map[string]struct{}, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.StepID == "" {
			return fmt.Errorf("step %d: %w", i, ErrMissingStepID)
		}
		if _, ok := seen[step.StepID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.StepID)
		}
		seen[step.StepID] = struct{}{}
		if err := validateRecovery(step.Recovery); err != nil {
			return fmt.Errorf("step %s: %w", step.StepID, err)
		}
	}
	return nil
}

func validateRecovery(r *domain.RecoveryStrategy) error {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case domain.StrategyRetry:
		if r.Attempts < 0 {
			return fmt.Errorf("%w: negative attempts", ErrInvalidRecovery)
		}
	case domain.StrategyAlternativeFlow:
		if r.FlowID == "" {
			return fmt.Errorf("%w: alternative_flow needs flow_id", ErrInvalidRecovery)
		}
	case domain.StrategyUserFulfillment:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecovery, r.Kind)
	}
	return nil
}

// normalizeMap converts the map[interface{}]interface{} values yaml.v2
// produces into map[string]any so the context can be JSON encoded.
func normalizeMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]any:
		return normalizeMap(t)
	case []interface{}:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
