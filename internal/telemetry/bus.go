package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vietddude/reflow/internal/log"
	"github.com/vietddude/reflow/internal/metrics"
)

// Bus is a non-blocking Sink that delivers events to another sink from a
// single goroutine. When the buffer is full the event is dropped.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
	done   chan struct{}
	sink   Sink
	logger *slog.Logger
}

// NewBus starts delivery to sink. Call Close to drain and stop.
func NewBus(sink Sink, bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
		sink:   sink,
		logger: log.OrDefault(logger),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.ch {
		SafeEmit(context.Background(), b.sink, ev, b.logger)
	}
}

// Emit never blocks.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	select {
	case b.ch <- ev:
	default:
		metrics.TelemetryDropped.Inc()
	}
	return nil
}

// Close stops accepting events and waits for buffered ones to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()
	<-b.done
}
