package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
	"github.com/vietddude/reflow/internal/interaction"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewClientFromRDB(rdb, "test")
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func result(id string, completed time.Time) *domain.FlowResult {
	return &domain.FlowResult{
		FlowID:      id,
		Success:     true,
		Status:      domain.FlowStatusCompleted,
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: completed,
		StepResults: []domain.StepResult{{StepID: "a", Success: true, State: domain.StepStateSucceeded}},
	}
}

// =============================================================================
// Client
// =============================================================================

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	if c.prefix != defaultPrefix {
		t.Errorf("expected default prefix, got %q", c.prefix)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(Config{URL: "not a url"}); err == nil {
		t.Error("expected parse error")
	}
}

// =============================================================================
// ResultRepo
// =============================================================================

func TestResultRepo_SaveGet(t *testing.T) {
	c, mr := newTestClient(t)
	repo := NewResultRepo(c)
	ctx := context.Background()

	if err := repo.Save(ctx, result("f1", time.Now())); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !mr.Exists("test:result:f1") {
		t.Error("expected result key")
	}

	got, err := repo.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.FlowID != "f1" || !got.Success || len(got.StepResults) != 1 {
		t.Errorf("unexpected result %+v", got)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrResultNotFound) {
		t.Errorf("expected ErrResultNotFound, got %v", err)
	}
}

func TestResultRepo_ListNewestFirst(t *testing.T) {
	c, mr := newTestClient(t)
	repo := NewResultRepo(c)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.Save(ctx, result(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.List(ctx, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].FlowID != "new" || all[2].FlowID != "old" {
		t.Errorf("unexpected order %v", ids(all))
	}

	two, _ := repo.List(ctx, 2)
	if len(two) != 2 || two[1].FlowID != "mid" {
		t.Errorf("unexpected limited list %v", ids(two))
	}

	// a dangling index entry is dropped
	mr.Del("test:result:mid")
	all, _ = repo.List(ctx, 0)
	if len(all) != 2 {
		t.Errorf("expected dangling entry skipped, got %v", ids(all))
	}
	if members, _ := mr.ZMembers("test:results"); len(members) != 2 {
		t.Errorf("expected index cleaned, got %v", members)
	}
}

func TestResultRepo_DeleteOlderThan(t *testing.T) {
	c, _ := newTestClient(t)
	repo := NewResultRepo(c)
	ctx := context.Background()

	now := time.Now()
	_ = repo.Save(ctx, result("a", now.Add(-2*time.Hour)))
	_ = repo.Save(ctx, result("b", now.Add(-90*time.Minute)))
	_ = repo.Save(ctx, result("c", now))

	n, err := repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	rest, _ := repo.List(ctx, 0)
	if len(rest) != 1 || rest[0].FlowID != "c" {
		t.Errorf("unexpected survivors %v", ids(rest))
	}

	n, err = repo.DeleteOlderThan(ctx, now.Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("expected nothing to delete, got %d, %v", n, err)
	}
}

func ids(rs []*domain.FlowResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.FlowID
	}
	return out
}

// =============================================================================
// DecisionQueue
// =============================================================================

func TestDecisionQueue_AskAssignsID(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewDecisionQueue(c)
	q.PollTimeout = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := q.Ask(ctx, interaction.Request{FlowID: "f1", StepID: "lend_1"})
		done <- err
	}()

	var pending []interaction.Request
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(10 * time.Millisecond)
		pending, _ = q.Pending(ctx)
	}
	if pending[0].ID == "" || pending[0].CreatedAt.IsZero() {
		t.Errorf("expected generated id and timestamp, got %+v", pending[0])
	}

	if err := q.Answer(ctx, pending[0].ID, "retry"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ask failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reply not received")
	}
}

func TestDecisionQueue_AskAnswer(t *testing.T) {
	c, mr := newTestClient(t)
	q := NewDecisionQueue(c)
	q.PollTimeout = 100 * time.Millisecond
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		reply, err := q.Ask(ctx, interaction.Request{ID: "req-1", FlowID: "f1", StepID: "swap_1"})
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- reply
	}()

	var pending []interaction.Request
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(10 * time.Millisecond)
		pending, _ = q.Pending(ctx)
	}
	if pending[0].StepID != "swap_1" || pending[0].CreatedAt.IsZero() {
		t.Errorf("unexpected pending request %+v", pending[0])
	}

	if err := q.Answer(ctx, "req-1", "skip"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	select {
	case reply := <-done:
		if reply != "skip" {
			t.Errorf("expected skip, got %q", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reply not received")
	}

	if mr.Exists("test:decisions:reply:req-1") {
		t.Error("reply list not cleaned up")
	}
	if pending, _ := q.Pending(ctx); len(pending) != 0 {
		t.Errorf("expected nothing pending, got %v", pending)
	}
}

func TestDecisionQueue_AnswerErrors(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewDecisionQueue(c)
	ctx := context.Background()

	if err := q.Answer(ctx, "nope", "retry"); !errors.Is(err, interaction.ErrRequestNotFound) {
		t.Errorf("expected ErrRequestNotFound, got %v", err)
	}
	if err := q.Answer(ctx, "nope", ""); !errors.Is(err, interaction.ErrEmptyReply) {
		t.Errorf("expected ErrEmptyReply, got %v", err)
	}
}

func TestDecisionQueue_ContextCancel(t *testing.T) {
	c, mr := newTestClient(t)
	q := NewDecisionQueue(c)
	q.PollTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := q.Ask(ctx, interaction.Request{ID: "req-2"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if mr.Exists("test:decisions:pending") {
		if v := mr.HGet("test:decisions:pending", "req-2"); v != "" {
			t.Error("cancelled request still pending")
		}
	}
}
