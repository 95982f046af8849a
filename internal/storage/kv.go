package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when no value exists for the key.
var ErrKeyNotFound = errors.New("storage: key not found")

// KV is the minimal key-value contract the security components depend on.
// Implementations must treat Put as replace-on-write and Delete as a no-op
// for missing keys.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// SetStore extends KV with string-set operations, used for the device
// trust registry.
type SetStore interface {
	KV
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)
	SRem(ctx context.Context, key string, members ...string) error
}
