package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynamq/dynamq/internal/errs"
)

// RedisStore implements Store over a Redis-compatible server.
type RedisStore struct {
	client *redis.Client
}

// NewRedis dials addr and verifies connectivity with a PING.
func NewRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, &errs.Err{Context: "store.NewRedis", Message: errs.ErrSharedStoreDown}
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapRedisErr("store.Set", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapRedisErr("store.SetNX", err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedisErr("store.Get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return wrapRedisErr("store.Delete", err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapRedisErr("store.Keys", err)
	}
	return keys, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return wrapRedisErr("store.SAdd", err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return wrapRedisErr("store.SRem", err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr("store.SMembers", err)
	}
	return members, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrapRedisErr("store.Publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func() error, error) {
	sub := s.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, wrapRedisErr("store.Subscribe", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	return out, sub.Close, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrapRedisErr(ctx string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.Err{Context: ctx, Message: errs.ErrSharedStoreTimeout}
	}
	return &errs.Err{Context: ctx, Message: errs.ErrSharedStoreDown}
}
