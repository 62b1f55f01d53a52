package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/log"
)

// DefaultCategories are the step-id fragments that make a step eligible for
// alternative flows without an explicit recovery override.
var DefaultCategories = []string{"swap", "lend", "transfer"}

// Trigger decides when an alternative flow applies to a failure.
type Trigger struct {
	// Keywords are matched case-insensitively against the error text.
	Keywords []string `yaml:"keywords"`
	// StepScope, when set, must be a substring of the failing step id.
	StepScope string `yaml:"step_scope"`
	// Condition is an optional boolean expression over error, step_id,
	// critical and description.
	Condition string `yaml:"condition"`
}

// AlternativeFlow is a fallback step sequence.
type AlternativeFlow struct {
	FlowID      string        `yaml:"flow_id"`
	Description string        `yaml:"description"`
	Steps       []domain.Step `yaml:"steps"`
	Trigger     Trigger       `yaml:"trigger"`
}

// Registry is an ordered, immutable set of alternative flows.
type Registry struct {
	flows      []AlternativeFlow
	programs   []*vm.Program
	categories []string
}

// NewRegistry compiles trigger conditions and returns the registry. An
// empty categories list selects DefaultCategories.
func NewRegistry(flows []AlternativeFlow, categories []string) (*Registry, error) {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	r := &Registry{
		flows:      make([]AlternativeFlow, len(flows)),
		programs:   make([]*vm.Program, len(flows)),
		categories: lowerAll(categories),
	}
	seen := make(map[string]struct{}, len(flows))
	for i, f := range flows {
		if f.FlowID == "" {
			return nil, fmt.Errorf("alternative flow %d: missing flow_id", i)
		}
		if _, ok := seen[f.FlowID]; ok {
			return nil, fmt.Errorf("alternative flow %s: duplicate flow_id", f.FlowID)
		}
		seen[f.FlowID] = struct{}{}
		if len(f.Steps) == 0 {
			return nil, fmt.Errorf("alternative flow %s: no steps", f.FlowID)
		}
		f.Trigger.Keywords = lowerAll(f.Trigger.Keywords)
		if len(f.Trigger.Keywords) == 0 && f.Trigger.Condition == "" {
			return nil, fmt.Errorf("alternative flow %s: trigger needs keywords or a condition", f.FlowID)
		}
		f.Trigger.StepScope = strings.ToLower(f.Trigger.StepScope)
		r.flows[i] = f

		if f.Trigger.Condition == "" {
			continue
		}
		program, err := expr.Compile(
			f.Trigger.Condition,
			expr.Env(conditionEnv("", domain.Step{})),
			expr.AsBool(),
		)
		if err != nil {
			return nil, fmt.Errorf("alternative flow %s: compile condition: %w", f.FlowID, err)
		}
		r.programs[i] = program
	}
	return r, nil
}

// DefaultRegistry returns the stock fallback flows.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultAlternativeFlows(), nil)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultAlternativeFlows covers venue failover for swaps, reduced amounts
// for liquidity problems, and network recovery.
func DefaultAlternativeFlows() []AlternativeFlow {
	return []AlternativeFlow{
		{
			FlowID:      "raydium_swap_alternative",
			Description: "Swap using Raydium instead of Jupiter",
			Steps: []domain.Step{{
				StepID:         "raydium_swap",
				Description:    "Swap using Raydium instead of Jupiter",
				PromptTemplate: "Swap using Raydium DEX as alternative to Jupiter. Use raydium_swap_tool instead of jupiter_swap_tool.",
				RequiredTools:  []string{"raydium_swap_tool"},
			}},
			Trigger: Trigger{
				Keywords: []string{"jupiter error", "jupiter timeout", "slippage too high"},
			},
		},
		{
			FlowID:      "reduced_amount_alternative",
			Description: "Reduce swap amount due to insufficient liquidity",
			Steps: []domain.Step{{
				StepID:         "reduced_amount_swap",
				Description:    "Reduce swap amount due to insufficient liquidity",
				PromptTemplate: "Reduce the swap amount by 50% due to insufficient liquidity and try again with smaller size.",
				RequiredTools:  []string{"jupiter_swap_tool"},
			}},
			Trigger: Trigger{
				Keywords: []string{"insufficient liquidity", "slippage exceeded", "too large"},
			},
		},
		{
			FlowID:      "network_recovery_alternative",
			Description: "Wait for network recovery and retry",
			Steps: []domain.Step{{
				StepID:         "network_recovery",
				Description:    "Wait for network recovery and retry",
				PromptTemplate: "Network issues detected. Wait for network recovery and retry the same operation with a fresh blockhash.",
				RequiredTools:  []string{"network_tool"},
			}},
			Trigger: Trigger{
				Keywords: []string{"network error", "connection refused", "timeout", "rate limit"},
			},
		},
	}
}

// Flows returns a copy of the registered flows in order.
func (r *Registry) Flows() []AlternativeFlow {
	out := make([]AlternativeFlow, len(r.flows))
	copy(out, r.flows)
	return out
}

// Lookup returns the flow with the given id.
func (r *Registry) Lookup(flowID string) (AlternativeFlow, bool) {
	for _, f := range r.flows {
		if f.FlowID == flowID {
			return f, true
		}
	}
	return AlternativeFlow{}, false
}

// Match returns the first flow whose trigger matches the failure.
func (r *Registry) Match(step domain.Step, errText string) (AlternativeFlow, bool) {
	errLower := strings.ToLower(errText)
	stepLower := strings.ToLower(step.StepID)
	for i, f := range r.flows {
		if f.Trigger.StepScope != "" && !strings.Contains(stepLower, f.Trigger.StepScope) {
			continue
		}
		if len(f.Trigger.Keywords) > 0 && !containsAny(errLower, f.Trigger.Keywords) {
			continue
		}
		if p := r.programs[i]; p != nil {
			out, err := expr.Run(p, conditionEnv(errText, step))
			if err != nil {
				continue
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		return f, true
	}
	return AlternativeFlow{}, false
}

func (r *Registry) inCategory(step domain.Step) bool {
	return containsAny(strings.ToLower(step.StepID), r.categories)
}

func conditionEnv(errText string, step domain.Step) map[string]any {
	return map[string]any{
		"error":       errText,
		"step_id":     step.StepID,
		"critical":    step.Critical,
		"description": step.Description,
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// AlternativeFlowStrategy substitutes a fallback step sequence for the
// failed step.
type AlternativeFlowStrategy struct {
	enabled  bool
	registry *Registry
	exec     Executor
	logger   *slog.Logger
}

func NewAlternativeFlowStrategy(
	enabled bool,
	registry *Registry,
	exec Executor,
	logger *slog.Logger,
) *AlternativeFlowStrategy {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &AlternativeFlowStrategy{
		enabled:  enabled,
		registry: registry,
		exec:     exec,
		logger:   log.OrDefault(logger),
	}
}

func (s *AlternativeFlowStrategy) Kind() domain.StrategyKind {
	return domain.StrategyAlternativeFlow
}

func (s *AlternativeFlowStrategy) IsApplicable(step domain.Step) bool {
	if !s.enabled {
		return false
	}
	return step.Recovery != nil || s.registry.inCategory(step)
}

func (s *AlternativeFlowStrategy) Attempt(
	ctx context.Context,
	sc *StepContext,
	errText string,
) (domain.RecoveryResult, error) {
	start := time.Now()

	alt, ok := s.selectFlow(sc.Step, errText)
	if !ok {
		return domain.RecoveryResult{
			StrategyUsed: domain.RecoveryStrategy{Kind: domain.StrategyAlternativeFlow},
			ErrorMessage: msgNoAlternative,
			RecoveryTime: time.Since(start),
		}, nil
	}
	used := *domain.AlternativeFlow(alt.FlowID)

	s.logger.Info("Executing alternative flow",
		log.FlowID(sc.flowID()),
		log.StepID(sc.Step.StepID),
		slog.String("alternative_flow_id", alt.FlowID),
		slog.Int("alternative_steps", len(alt.Steps)),
	)

	prior := append([]domain.StepResult(nil), sc.Prior...)
	combined := domain.StepResult{StepID: sc.Step.StepID, Success: true}
	for i, altStep := range alt.Steps {
		res, err := SafeExecute(ctx, s.exec, altStep, prior)
		if err != nil {
			return domain.RecoveryResult{
				AttemptsMade: 1,
				StrategyUsed: used,
				ErrorMessage: fmt.Sprintf(
					"alternative flow %s failed at step %d (%s): %v",
					alt.FlowID, i+1, altStep.StepID, err,
				),
				RecoveryTime: time.Since(start),
			}, nil
		}
		prior = append(prior, res)
		combined.ToolCalls = append(combined.ToolCalls, res.ToolCalls...)
		combined.Output = res.Output
		combined.Duration += res.Duration
	}

	return domain.RecoveryResult{
		Success:      true,
		AttemptsMade: 1,
		StrategyUsed: used,
		RecoveryTime: time.Since(start),
		StepResult:   &combined,
	}, nil
}

func (s *AlternativeFlowStrategy) selectFlow(step domain.Step, errText string) (AlternativeFlow, bool) {
	if r := step.Recovery; r != nil && r.Kind == domain.StrategyAlternativeFlow && r.FlowID != "" {
		if f, ok := s.registry.Lookup(r.FlowID); ok {
			return f, true
		}
	}
	return s.registry.Match(step, errText)
}
