package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding serialized reports, newest first.
const DefaultRedisKey = "modelkeeper:reports"

// RedisStore keeps the newest reports in a capped Redis list so every
// instance sees the same history.
type RedisStore struct {
	client *redis.Client
	key    string
	max    int64
}

// NewRedisStore creates a store on client. An empty key uses DefaultRedisKey
// and max <= 0 keeps 1000 reports.
func NewRedisStore(client *redis.Client, key string, max int) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = 1000
	}
	return &RedisStore{client: client, key: key, max: int64(max)}
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, rep CycleReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key, data)
		pipe.LTrim(ctx, r.key, 0, r.max-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store report in redis: %w", err)
	}
	return nil
}

// Latest implements Store.
func (r *RedisStore) Latest(ctx context.Context) (CycleReport, bool, error) {
	data, err := r.client.LIndex(ctx, r.key, 0).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CycleReport{}, false, nil
		}
		return CycleReport{}, false, fmt.Errorf("failed to get report from redis: %w", err)
	}

	var rep CycleReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return CycleReport{}, false, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return rep, true, nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, limit int) ([]CycleReport, error) {
	raw, err := r.client.LRange(ctx, r.key, 0, int64(listLimit(limit))-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reports from redis: %w", err)
	}

	out := make([]CycleReport, 0, len(raw))
	for _, item := range raw {
		var rep CycleReport
		if err := json.Unmarshal([]byte(item), &rep); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report: %w", err)
		}
		out = append(out, rep)
	}
	return out, nil
}
