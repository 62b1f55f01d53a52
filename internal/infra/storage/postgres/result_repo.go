package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
)

// ResultRepo implements storage.ResultRepository using PostgreSQL.
type ResultRepo struct {
	db *DB
}

var _ storage.ResultRepository = (*ResultRepo)(nil)

// NewResultRepo creates a new PostgreSQL flow result repository.
func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

type resultRow struct {
	FlowID       string    `db:"flow_id"`
	UserPrompt   string    `db:"user_prompt"`
	Success      bool      `db:"success"`
	Status       string    `db:"status"`
	ErrorMessage string    `db:"error_message"`
	StartedAt    time.Time `db:"started_at"`
	CompletedAt  time.Time `db:"completed_at"`
	Payload      []byte    `db:"payload"`
}

func toRow(res *domain.FlowResult) (resultRow, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return resultRow{}, fmt.Errorf("failed to marshal flow result: %w", err)
	}
	return resultRow{
		FlowID:       res.FlowID,
		UserPrompt:   res.UserPrompt,
		Success:      res.Success,
		Status:       string(res.Status),
		ErrorMessage: res.ErrorMessage,
		StartedAt:    res.StartedAt.UTC(),
		CompletedAt:  res.CompletedAt.UTC(),
		Payload:      payload,
	}, nil
}

func (row resultRow) toDomain() (*domain.FlowResult, error) {
	var res domain.FlowResult
	if err := json.Unmarshal(row.Payload, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow result %s: %w", row.FlowID, err)
	}
	return &res, nil
}

// Save upserts a flow result.
func (r *ResultRepo) Save(ctx context.Context, res *domain.FlowResult) error {
	row, err := toRow(res)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO flow_results (flow_id, user_prompt, success, status, error_message, started_at, completed_at, payload)
		VALUES (:flow_id, :user_prompt, :success, :status, :error_message, :started_at, :completed_at, :payload)
		ON CONFLICT (flow_id) DO UPDATE SET
			user_prompt = EXCLUDED.user_prompt,
			success = EXCLUDED.success,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			payload = EXCLUDED.payload
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save flow result: %w", err)
	}
	return nil
}

// Get returns the result for flowID.
func (r *ResultRepo) Get(ctx context.Context, flowID string) (*domain.FlowResult, error) {
	query := `
		SELECT flow_id, user_prompt, success, status, error_message, started_at, completed_at, payload
		FROM flow_results
		WHERE flow_id = $1
	`
	var row resultRow
	err := r.db.GetContext(ctx, &row, query, flowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow result: %w", err)
	}
	return row.toDomain()
}

// List returns the newest results first.
func (r *ResultRepo) List(ctx context.Context, limit int) ([]*domain.FlowResult, error) {
	query := `
		SELECT flow_id, user_prompt, success, status, error_message, started_at, completed_at, payload
		FROM flow_results
		ORDER BY completed_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	var rows []resultRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list flow results: %w", err)
	}
	out := make([]*domain.FlowResult, 0, len(rows))
	for _, row := range rows {
		res, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// DeleteOlderThan removes results completed before cutoff.
func (r *ResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flow_results WHERE completed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete flow results: %w", err)
	}
	return result.RowsAffected()
}
