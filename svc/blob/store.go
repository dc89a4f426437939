// Package blob stores payloads too large to live inline in the metadata record.
package blob

import (
	"context"

	"github.com/pkg/errors"
)

const (
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Key returns the object key for a paste payload.
func Key(prefix, id string, encrypted bool) string {
	if encrypted {
		return prefix + id + ".enc"
	}
	return prefix + id + ".txt"
}

func ContentType(encrypted bool) string {
	if encrypted {
		return ContentTypeBinary
	}
	return ContentTypeText
}
