// Package storage provides the durable key-value store backing the
// operation queue, the content cache and the sync mirror. Values are
// opaque blobs; callers own serialization and key naming.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the durable key-value collaborator. Implementations must keep
// writes durable across restarts; Delete on a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
