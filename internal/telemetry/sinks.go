package telemetry

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/metrics"
)

// LogSink writes events to a structured logger at debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: log.OrDefault(logger)}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		log.FlowID(ev.FlowID),
	}
	if ev.StepID != "" {
		attrs = append(attrs, log.StepID(ev.StepID))
	}
	switch ev.Type {
	case EventStepCompleted:
		attrs = append(attrs,
			slog.Bool("success", ev.Success),
			slog.String("state", ev.State),
			slog.Duration("duration", ev.Duration),
		)
	case EventRecovery:
		attrs = append(attrs,
			slog.String("strategy", ev.Strategy),
			slog.String("outcome", ev.Outcome),
			slog.Int("attempts", ev.Attempts),
		)
	case EventFlowCompleted:
		attrs = append(attrs,
			slog.Bool("success", ev.Success),
			slog.String("status", ev.Status),
			slog.Duration("duration", ev.Duration),
		)
	}
	if ev.Error != "" {
		attrs = append(attrs, log.ErrorString(ev.Error))
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, "Telemetry event", attrs...)
	return nil
}

// PrometheusSink records events as Prometheus metrics.
type PrometheusSink struct{}

func NewPrometheusSink() *PrometheusSink { return &PrometheusSink{} }

func (PrometheusSink) Emit(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventFlowStarted:
		metrics.FlowsInFlight.Inc()
	case EventFlowCompleted:
		metrics.FlowsInFlight.Dec()
		metrics.FlowsTotal.WithLabelValues(ev.Status, strconv.FormatBool(ev.Success)).Inc()
		metrics.FlowDuration.WithLabelValues(ev.AtomicMode).Observe(ev.Duration.Seconds())
	case EventStepCompleted:
		metrics.StepsTotal.WithLabelValues(ev.State, strconv.FormatBool(ev.Critical)).Inc()
		metrics.StepDuration.Observe(ev.Duration.Seconds())
	case EventRecovery:
		metrics.RecoveriesTotal.WithLabelValues(ev.Strategy, ev.Outcome).Inc()
		metrics.RecoveryAttempts.WithLabelValues(ev.Strategy).Observe(float64(ev.Attempts))
	}
	return nil
}
