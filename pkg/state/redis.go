package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by this project.
const DefaultKeyPrefix = "modelkeeper:"

const (
	keyTradeCount = "last_train_trade_count"
	keyTrainTime  = "last_train_time"
	keyAccuracy   = "last_known_accuracy"
)

// RedisOptions configures a Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
// The client is shared by the state store, the trade counter, the report
// history and the distributed lock.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if opts.DB < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisStore implements Store with three plain keys so the values stay
// readable with redis-cli:
//
//	<prefix>last_train_trade_count  integer
//	<prefix>last_train_time         epoch seconds
//	<prefix>last_known_accuracy     float
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
}

// NewRedisStore creates a store on an existing client. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(name string) string {
	return r.prefix + name
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return State{}, ErrClosed
	}

	vals, err := r.client.MGet(ctx, r.key(keyTradeCount), r.key(keyTrainTime), r.key(keyAccuracy)).Result()
	if err != nil {
		return State{}, fmt.Errorf("failed to read state from redis: %w", err)
	}

	var s State
	if raw, ok := vals[0].(string); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse %s: %w", keyTradeCount, err)
		}
		s.LastTrainTradeCount = &n
	}
	if raw, ok := vals[1].(string); ok {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse %s: %w", keyTrainTime, err)
		}
		s.LastTrainTime = time.Unix(sec, 0).UTC()
	}
	if raw, ok := vals[2].(string); ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse %s: %w", keyAccuracy, err)
		}
		s.LastKnownAccuracy = &f
	}

	return s, nil
}

// Set implements Store. All three keys change in one MULTI/EXEC transaction;
// unset fields delete their key.
func (r *RedisStore) Set(ctx context.Context, s State) error {
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return ErrClosed
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.LastTrainTradeCount != nil {
			pipe.Set(ctx, r.key(keyTradeCount), strconv.FormatInt(*s.LastTrainTradeCount, 10), 0)
		} else {
			pipe.Del(ctx, r.key(keyTradeCount))
		}
		if s.HasTrained() {
			pipe.Set(ctx, r.key(keyTrainTime), strconv.FormatInt(s.LastTrainTime.Unix(), 10), 0)
		} else {
			pipe.Del(ctx, r.key(keyTrainTime))
		}
		if s.LastKnownAccuracy != nil {
			pipe.Set(ctx, r.key(keyAccuracy), strconv.FormatFloat(*s.LastKnownAccuracy, 'g', -1, 64), 0)
		} else {
			pipe.Del(ctx, r.key(keyAccuracy))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store state in redis: %w", err)
	}
	return nil
}

// Close releases the store. The shared client is closed by its owner.
// It is safe to call multiple times.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = nil
	return nil
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return ErrClosed
	}
	return r.client.Ping(ctx).Err()
}
