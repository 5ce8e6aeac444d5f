package storage

import (
	"context"
	"io"
)

// Storage is where exported statements are written.
type Storage interface {
	// Put stores the object at key, replacing any previous content.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Exists reports whether key has been stored.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the public URL for key.
	GetURL(key string) string
}
