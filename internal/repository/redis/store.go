package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"device-security-service/internal/client"
	"device-security-service/internal/storage"
)

// Store adapts the Redis client to the storage.SetStore contract. It
// backs the lockout counters, the device trust registry, and the
// biometric preference flags.
type Store struct {
	client *client.RedisClient
}

func NewStore(redisClient *client.RedisClient, logger *zap.Logger) *Store {
	return &Store{
		client: redisClient,
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, found, err := s.client.GetBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if !found {
		return nil, storage.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return exists, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...); err != nil {
		return fmt.Errorf("redis sadd failed: %w", err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	return members, nil
}

func (s *Store) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member)
	if err != nil {
		return false, fmt.Errorf("redis sismember failed: %w", err)
	}
	return ok, nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...); err != nil {
		return fmt.Errorf("redis srem failed: %w", err)
	}
	return nil
}

var _ storage.SetStore = (*Store)(nil)
