package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fitbot/pkg/failure"
)

const defaultKeyPrefix = "fitbot:dedup:"

// RedisStore shares dedup state across gateway instances. SETNX gives the
// atomic claim; the key TTL is the retention window.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an already connected client. The caller owns the client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: defaultKeyPrefix,
		now:    time.Now,
	}
}

// NewRedisClient connects and pings redis.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func (s *RedisStore) CheckAndRecord(ctx context.Context, key string) (Outcome, error) {
	payload, err := json.Marshal(Record{MessageID: key, FirstSeenAt: s.now().UTC(), Status: StatusPending})
	if err != nil {
		return 0, fmt.Errorf("encode dedup record: %w", err)
	}

	acquired, err := s.client.SetNX(ctx, s.prefix+key, payload, s.ttl).Result()
	if err != nil {
		return 0, failure.Wrap(failure.StoreUnavailable, err, "redis setnx")
	}
	if !acquired {
		return Duplicate, nil
	}
	return Fresh, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, key string) error {
	record, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok {
		return err
	}

	record.Status = StatusDelivered
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode dedup record: %w", err)
	}

	// XX + KEEPTTL: never resurrect an expired key or extend the window.
	err = s.client.SetArgs(ctx, s.prefix+key, payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return failure.Wrap(failure.StoreUnavailable, err, "redis set")
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return failure.Wrap(failure.StoreUnavailable, err, "redis del")
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, failure.Wrap(failure.StoreUnavailable, err, "redis get")
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("decode dedup record: %w", err)
	}
	return record, true, nil
}

// Close is a no-op; the client is owned by whoever created it.
func (s *RedisStore) Close() error {
	return nil
}
