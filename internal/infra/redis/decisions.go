package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/reflow/internal/interaction"
)

// DecisionQueue implements interaction.Channel on Redis. Pending requests
// live in a hash; each reply is pushed onto a per-request list.
type DecisionQueue struct {
	client *Client
	// PollTimeout bounds each BLPOP so ctx cancellation is noticed.
	PollTimeout time.Duration
}

var (
	_ interaction.Channel = (*DecisionQueue)(nil)
	_ interaction.Inbox   = (*DecisionQueue)(nil)
)

func NewDecisionQueue(client *Client) *DecisionQueue {
	return &DecisionQueue{client: client, PollTimeout: time.Second}
}

func (q *DecisionQueue) Ask(ctx context.Context, req interaction.Request) (string, error) {
	req = interaction.Prepare(req)
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := q.client.rdb.HSet(ctx, q.client.pendingKey(), req.ID, data).Err(); err != nil {
		return "", fmt.Errorf("hset failed: %w", err)
	}
	defer func() {
		// Cleanup must run even when ctx is already cancelled
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		q.client.rdb.HDel(cleanup, q.client.pendingKey(), req.ID)
		q.client.rdb.Del(cleanup, q.client.replyKey(req.ID))
	}()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vals, err := q.client.rdb.BLPop(ctx, q.PollTimeout, q.client.replyKey(req.ID)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("blpop failed: %w", err)
		}
		// vals is [key, value]
		if len(vals) == 2 {
			return vals[1], nil
		}
	}
}

// Pending lists unanswered requests, oldest first.
func (q *DecisionQueue) Pending(ctx context.Context) ([]interaction.Request, error) {
	raw, err := q.client.rdb.HGetAll(ctx, q.client.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall failed: %w", err)
	}
	out := make([]interaction.Request, 0, len(raw))
	for _, v := range raw {
		var req interaction.Request
		if err := json.Unmarshal([]byte(v), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Answer pushes reply for a pending request.
func (q *DecisionQueue) Answer(ctx context.Context, id, reply string) error {
	if strings.TrimSpace(reply) == "" {
		return interaction.ErrEmptyReply
	}
	ok, err := q.client.rdb.HExists(ctx, q.client.pendingKey(), id).Result()
	if err != nil {
		return fmt.Errorf("hexists failed: %w", err)
	}
	if !ok {
		return interaction.ErrRequestNotFound
	}
	if err := q.client.rdb.RPush(ctx, q.client.replyKey(id), reply).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}
