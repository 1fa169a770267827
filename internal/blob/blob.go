package blob

import (
	"context"
	"errors"
)

// ErrExists is returned by Put when the object already exists. Callers
// relying on idempotent artifact creation treat it as success.
var ErrExists = errors.New("object already exists")

// ErrNotFound is returned by Get for missing objects.
var ErrNotFound = errors.New("object not found")

// Store is the object-storage port for generated artifacts. Put never
// overwrites: artifact creation stays idempotent across replays.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}
