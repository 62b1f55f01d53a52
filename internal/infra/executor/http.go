// Package executor provides step executors that perform the work of a flow
// step outside the engine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/log"
)

var ErrNoEndpoint = errors.New("executor endpoint is not configured")

// HTTPConfig configures the HTTP step executor.
type HTTPConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	Debug   bool              `yaml:"debug"`

	// gjson paths into the response body
	SuccessPath   string `yaml:"success_path"`
	ToolCallsPath string `yaml:"tool_calls_path"`
	OutputPath    string `yaml:"output_path"`
	ErrorPath     string `yaml:"error_path"`
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SuccessPath == "" {
		c.SuccessPath = "success"
	}
	if c.ToolCallsPath == "" {
		c.ToolCallsPath = "tool_calls"
	}
	if c.OutputPath == "" {
		c.OutputPath = "output"
	}
	if c.ErrorPath == "" {
		c.ErrorPath = "error"
	}
	return c
}

// StepRequest is the body posted for each step execution.
type StepRequest struct {
	FlowID         string              `json:"flow_id,omitempty"`
	StepID         string              `json:"step_id"`
	Description    string              `json:"description"`
	PromptTemplate string              `json:"prompt_template"`
	RequiredTools  []string            `json:"required_tools"`
	Critical       bool                `json:"critical"`
	Prior          []domain.StepResult `json:"prior_results"`
}

// HTTP executes steps by posting them to an agent endpoint. Retries are
// left to the recovery engine, so the client never retries on its own.
type HTTP struct {
	cfg    HTTPConfig
	client *resty.Client
	logger *slog.Logger
}

func NewHTTP(cfg HTTPConfig, logger *slog.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, ErrNoEndpoint
	}
	cfg = cfg.withDefaults()

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers).
		SetDebug(cfg.Debug)

	return &HTTP{cfg: cfg, client: client, logger: log.OrDefault(logger)}, nil
}

func (h *HTTP) Execute(
	ctx context.Context,
	step domain.Step,
	prior []domain.StepResult,
) (domain.StepResult, error) {
	start := time.Now()
	out := domain.StepResult{StepID: step.StepID}

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(StepRequest{
			FlowID:         domain.FlowIDFrom(ctx),
			StepID:         step.StepID,
			Description:    step.Description,
			PromptTemplate: step.PromptTemplate,
			RequiredTools:  step.RequiredTools,
			Critical:       step.Critical,
			Prior:          prior,
		}).
		Post(h.cfg.URL)
	out.Duration = time.Since(start)
	if err != nil {
		return out, fmt.Errorf("step request failed: %w", err)
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		if resp.IsError() {
			return out, fmt.Errorf("step endpoint returned %s", resp.Status())
		}
		return out, fmt.Errorf("step endpoint returned invalid JSON")
	}
	parsed := gjson.ParseBytes(body)

	for _, tc := range parsed.Get(h.cfg.ToolCallsPath).Array() {
		out.ToolCalls = append(out.ToolCalls, tc.String())
	}
	if v := parsed.Get(h.cfg.OutputPath); v.Exists() {
		out.Output = v.Value()
	}

	msg := strings.TrimSpace(parsed.Get(h.cfg.ErrorPath).String())
	if resp.IsError() {
		if msg == "" {
			msg = resp.Status()
		}
		h.logger.Debug("Step endpoint returned error status",
			log.StepID(step.StepID),
			slog.Int("status", resp.StatusCode()),
			log.ErrorString(msg),
		)
		return out, fmt.Errorf("step endpoint error (%d): %s", resp.StatusCode(), msg)
	}
	if s := parsed.Get(h.cfg.SuccessPath); s.Exists() && !s.Bool() {
		if msg == "" {
			msg = "step reported failure"
		}
		return out, errors.New(msg)
	}
	return out, nil
}
