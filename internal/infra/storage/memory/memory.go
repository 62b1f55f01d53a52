package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
)

// ResultRepo keeps flow results in process memory.
type ResultRepo struct {
	results map[string][]byte
	mu      sync.RWMutex
}

var _ storage.ResultRepository = (*ResultRepo)(nil)

func NewResultRepo() *ResultRepo {
	return &ResultRepo{results: make(map[string][]byte)}
}

// Save stores a serialized copy so callers cannot mutate stored state.
func (r *ResultRepo) Save(ctx context.Context, res *domain.FlowResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal flow result: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.FlowID] = data
	return nil
}

func (r *ResultRepo) Get(ctx context.Context, flowID string) (*domain.FlowResult, error) {
	r.mu.RLock()
	data, ok := r.results[flowID]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrResultNotFound
	}
	return decode(data)
}

func (r *ResultRepo) List(ctx context.Context, limit int) ([]*domain.FlowResult, error) {
	r.mu.RLock()
	out := make([]*domain.FlowResult, 0, len(r.results))
	for _, data := range r.results {
		res, err := decode(data)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		out = append(out, res)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, data := range r.results {
		res, err := decode(data)
		if err != nil {
			return n, err
		}
		if res.CompletedAt.Before(cutoff) {
			delete(r.results, id)
			n++
		}
	}
	return n, nil
}

func decode(data []byte) (*domain.FlowResult, error) {
	var res domain.FlowResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow result: %w", err)
	}
	return &res, nil
}
