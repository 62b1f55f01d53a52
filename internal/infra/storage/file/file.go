package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
)

// ResultRepo stores each flow result as <dir>/<flow_id>.json.
type ResultRepo struct {
	fs  afero.Fs
	dir string
}

var _ storage.ResultRepository = (*ResultRepo)(nil)

// NewResultRepo creates dir on fs if needed.
func NewResultRepo(fs afero.Fs, dir string) (*ResultRepo, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}
	return &ResultRepo{fs: fs, dir: dir}, nil
}

func (r *ResultRepo) path(flowID string) string {
	return filepath.Join(r.dir, filepath.Base(flowID)+".json")
}

func (r *ResultRepo) Save(ctx context.Context, res *domain.FlowResult) error {
	if res.FlowID == "" {
		return fmt.Errorf("flow result has no flow id")
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flow result: %w", err)
	}
	tmp := r.path(res.FlowID) + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write flow result: %w", err)
	}
	if err := r.fs.Rename(tmp, r.path(res.FlowID)); err != nil {
		return fmt.Errorf("failed to rename flow result: %w", err)
	}
	return nil
}

func (r *ResultRepo) Get(ctx context.Context, flowID string) (*domain.FlowResult, error) {
	data, err := afero.ReadFile(r.fs, r.path(flowID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flow result: %w", err)
	}
	var res domain.FlowResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow result: %w", err)
	}
	return &res, nil
}

func (r *ResultRepo) List(ctx context.Context, limit int) ([]*domain.FlowResult, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CompletedAt.After(all[j].CompletedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *ResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	all, err := r.all()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, res := range all {
		if !res.CompletedAt.Before(cutoff) {
			continue
		}
		if err := r.fs.Remove(r.path(res.FlowID)); err != nil {
			return n, fmt.Errorf("failed to remove flow result: %w", err)
		}
		n++
	}
	return n, nil
}

func (r *ResultRepo) all() ([]*domain.FlowResult, error) {
	entries, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read results dir: %w", err)
	}
	out := make([]*domain.FlowResult, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		res, err := r.Get(context.Background(), strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}
