package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisKeyPrefix = "gchatbridge:event:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Lease    time.Duration
	TTL      time.Duration
}

// RedisStore shares claims between replicas through Redis keys. A pending
// key expires after the lease, a done key after the retention window.
type RedisStore struct {
	client *redis.Client
	lease  time.Duration
	ttl    time.Duration
	logger logrus.FieldLogger
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions, logger logrus.FieldLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	logger.WithField("addr", opts.Addr).Info("dedup store connected to redis")
	return NewRedis(client, opts.Lease, opts.TTL, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, lease, ttl time.Duration, logger logrus.FieldLogger) *RedisStore {
	if lease <= 0 {
		lease = time.Minute
	}
	return &RedisStore{client: client, lease: lease, ttl: ttl, logger: logger}
}

func (s *RedisStore) Claim(ctx context.Context, id string) (Status, error) {
	key := redisKeyPrefix + id
	ok, err := s.client.SetNX(ctx, key, statePending, s.lease).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", id, err)
	}
	if ok {
		return Claimed, nil
	}
	state, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the redelivery will claim it.
		return InProgress, nil
	case err != nil:
		return 0, fmt.Errorf("claim %s: %w", id, err)
	case state == stateDone:
		return Done, nil
	default:
		return InProgress, nil
	}
}

func (s *RedisStore) Complete(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, redisKeyPrefix+id, stateDone, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
