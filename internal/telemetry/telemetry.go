// Package telemetry receives fire-and-forget events from flow execution.
// Sink failures never influence a flow's outcome.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/reflow/internal/log"
)

// EventType identifies what happened.
type EventType string

const (
	EventFlowStarted   EventType = "flow_started"
	EventFlowCompleted EventType = "flow_completed"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventRecovery      EventType = "recovery_attempted"
)

// Event is a single telemetry record. Fields not relevant to Type are left
// zero.
type Event struct {
	Type       EventType     `json:"type"`
	Time       time.Time     `json:"time"`
	FlowID     string        `json:"flow_id"`
	StepID     string        `json:"step_id,omitempty"`
	AtomicMode string        `json:"atomic_mode,omitempty"`
	Critical   bool          `json:"critical,omitempty"`
	Success    bool          `json:"success"`
	State      string        `json:"state,omitempty"`
	Status     string        `json:"status,omitempty"`
	Strategy   string        `json:"strategy,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Sink consumes events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

// SafeEmit delivers ev to sink, logging and swallowing errors and panics.
func SafeEmit(ctx context.Context, sink Sink, ev Event, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := emit(ctx, sink, ev); err != nil {
		log.OrDefault(logger).Warn("Telemetry sink failed",
			slog.String("event", string(ev.Type)),
			log.FlowID(ev.FlowID),
			log.Error(err),
		)
	}
}

func emit(ctx context.Context, sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("telemetry sink panicked: %v", r)
		}
	}()
	return sink.Emit(ctx, ev)
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := emit(ctx, s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
