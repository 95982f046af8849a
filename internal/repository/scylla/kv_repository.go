package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"device-security-service/internal/bucketing"
	"device-security-service/internal/storage"
	"device-security-service/internal/util"
)

// KVRepository is the durable key-value store backed by the secure_kv
// table. It satisfies storage.KV so the encryption wrapper and the PIN
// store can sit on top of it without knowing about Scylla.
type KVRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewKVRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, logger *zap.Logger) *KVRepository {
	return &KVRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *KVRepository) Put(ctx context.Context, key string, value []byte) error {
	query := r.client.Prepared.PutEntry.Bind(
		r.buckets.GetDeviceBucket(key), key, value, time.Now().UTC()).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to put KV entry",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to put KV entry: %w", err)
	}

	return nil
}

func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	query := r.client.Prepared.GetEntry.Bind(
		r.buckets.GetDeviceBucket(key), key).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, &value); err != nil {
		if err == gocql.ErrNotFound {
			return nil, storage.ErrKeyNotFound
		}
		util.Error("Failed to get KV entry",
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get KV entry: %w", err)
	}

	return value, nil
}

func (r *KVRepository) Delete(ctx context.Context, key string) error {
	query := r.client.Prepared.DeleteEntry.Bind(
		r.buckets.GetDeviceBucket(key), key).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to delete KV entry",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to delete KV entry: %w", err)
	}

	return nil
}

func (r *KVRepository) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.Get(ctx, key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
