package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage"
)

// ResultRepo implements storage.ResultRepository using Redis. Results are
// JSON blobs indexed by a sorted set scored on completion time.
type ResultRepo struct {
	client *Client
}

var _ storage.ResultRepository = (*ResultRepo)(nil)

func NewResultRepo(client *Client) *ResultRepo {
	return &ResultRepo{client: client}
}

func (r *ResultRepo) Save(ctx context.Context, res *domain.FlowResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal flow result: %w", err)
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.client.resultKey(res.FlowID), data, 0)
		pipe.ZAdd(ctx, r.client.resultIndexKey(), redis.Z{
			Score:  float64(res.CompletedAt.UnixMilli()),
			Member: res.FlowID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save flow result: %w", err)
	}
	return nil
}

func (r *ResultRepo) Get(ctx context.Context, flowID string) (*domain.FlowResult, error) {
	data, err := r.client.rdb.Get(ctx, r.client.resultKey(flowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	var res domain.FlowResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow result: %w", err)
	}
	return &res, nil
}

// List returns the newest results first.
func (r *ResultRepo) List(ctx context.Context, limit int) ([]*domain.FlowResult, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.rdb.ZRevRange(ctx, r.client.resultIndexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]*domain.FlowResult, 0, len(ids))
	for _, id := range ids {
		res, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrResultNotFound) {
			// Blob gone but id still indexed
			r.client.rdb.ZRem(ctx, r.client.resultIndexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (r *ResultRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := r.client.rdb.ZRangeByScore(ctx, r.client.resultIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.client.resultKey(id)
		members[i] = id
	}
	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.client.resultIndexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}
	return int64(len(ids)), nil
}
