package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
)

var (
	// ErrResultNotFound is returned when no result exists for a flow id
	ErrResultNotFound = errors.New("flow result not found")
)

// ResultRepository persists terminal flow results
type ResultRepository interface {
	// Save stores or replaces the result for res.FlowID
	Save(ctx context.Context, res *domain.FlowResult) error

	// Get retrieves a result by flow id
	Get(ctx context.Context, flowID string) (*domain.FlowResult, error)

	// List returns up to limit results, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*domain.FlowResult, error)

	// DeleteOlderThan removes results completed before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HealthChecker is implemented by backends that can report connectivity
type HealthChecker interface {
	Health(ctx context.Context) error
}
