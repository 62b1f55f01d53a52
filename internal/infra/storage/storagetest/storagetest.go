// Package storagetest holds behaviour shared by every ResultRepository
// backend's tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
)

// Result builds a completed flow result finishing at completed.
func Result(id string, completed time.Time) *domain.FlowResult {
	return &domain.FlowResult{
		FlowID:      id,
		UserPrompt:  "swap then lend",
		Success:     true,
		Status:      domain.FlowStatusCompleted,
		StartedAt:   completed.Add(-time.Second).UTC(),
		CompletedAt: completed.UTC(),
		StepResults: []domain.StepResult{
			{StepID: "swap_1", Success: true, State: domain.StepStateSucceeded, ToolCalls: []string{"jupiter_swap_tool"}},
		},
		Metrics: domain.FlowMetrics{SuccessfulSteps: 1, TotalToolCalls: 1},
	}
}

// Run exercises repo against the ResultRepository contract. repo must be
// empty.
func Run(t *testing.T, repo storage.ResultRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	t.Run("get missing", func(t *testing.T) {
		if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrResultNotFound) {
			t.Errorf("expected ErrResultNotFound, got %v", err)
		}
	})

	t.Run("save and get", func(t *testing.T) {
		want := Result("f1", now.Add(-3*time.Hour))
		if err := repo.Save(ctx, want); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		got, err := repo.Get(ctx, "f1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.FlowID != want.FlowID || got.UserPrompt != want.UserPrompt ||
			got.Metrics != want.Metrics || !got.CompletedAt.Equal(want.CompletedAt) ||
			len(got.StepResults) != 1 || got.StepResults[0].ToolCalls[0] != "jupiter_swap_tool" {
			t.Errorf("unexpected result %+v", got)
		}
	})

	t.Run("save replaces", func(t *testing.T) {
		res := Result("f1", now.Add(-3*time.Hour))
		res.Success = false
		res.ErrorMessage = "flow failed with 1 critical failures"
		if err := repo.Save(ctx, res); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		got, _ := repo.Get(ctx, "f1")
		if got == nil || got.Success || got.ErrorMessage == "" {
			t.Errorf("expected replaced result, got %+v", got)
		}
	})

	t.Run("stored copy is isolated", func(t *testing.T) {
		res := Result("f2", now.Add(-2*time.Hour))
		if err := repo.Save(ctx, res); err != nil {
			t.Fatal(err)
		}
		res.UserPrompt = "mutated"
		got, _ := repo.Get(ctx, "f2")
		if got == nil || got.UserPrompt == "mutated" {
			t.Error("caller mutation leaked into storage")
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		if err := repo.Save(ctx, Result("f3", now)); err != nil {
			t.Fatal(err)
		}
		all, err := repo.List(ctx, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(all) != 3 || all[0].FlowID != "f3" || all[2].FlowID != "f1" {
			t.Errorf("unexpected order %v", ids(all))
		}
		limited, _ := repo.List(ctx, 1)
		if len(limited) != 1 || limited[0].FlowID != "f3" {
			t.Errorf("unexpected limited list %v", ids(limited))
		}
	})

	t.Run("delete older than", func(t *testing.T) {
		n, err := repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 deleted, got %d", n)
		}
		rest, _ := repo.List(ctx, 0)
		if len(rest) != 1 || rest[0].FlowID != "f3" {
			t.Errorf("unexpected survivors %v", ids(rest))
		}
	})
}

func ids(rs []*domain.FlowResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.FlowID
	}
	return out
}
