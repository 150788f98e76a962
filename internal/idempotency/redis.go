package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "settlement:journal:"

// Redis implements Store on a shared Redis, for deployments where several
// settlement instances must see each other's journal.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, keyPrefix: defaultKeyPrefix}, nil
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

var _ Store = (*Redis)(nil)

func (s *Redis) Begin(ctx context.Context, e Entry, ttl time.Duration) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	// SETNX keeps begin atomic across instances.
	ok, err := s.client.SetNX(ctx, s.keyPrefix+e.Key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("journal begin: %w", err)
	}
	return ok, nil
}

func (s *Redis) Settle(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("journal settle: %w", err)
	}
	return nil
}

func (s *Redis) Abort(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("journal abort: %w", err)
	}
	return nil
}

func (s *Redis) Dangling(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	var (
		cursor uint64
		out    []Entry
		cutoff = time.Now().UTC().Add(-olderThan)
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("journal read: %w", err)
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			if e.CreatedAt.Before(cutoff) {
				out = append(out, e)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}
