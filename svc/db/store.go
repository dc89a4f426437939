// Package db holds the paste metadata stores. Every backend offers the same
// create-if-absent write and a single conditional consume, so one-time reads
// stay atomic without a read-then-write pair.
package db

import (
	"context"
	"time"

	"psst/pkg/domain"

	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("paste record not found")
	ErrExists          = errors.New("paste record already exists")
	ErrConditionFailed = errors.New("paste record not consumable")
)

type MetaStore interface {
	// Put stores p only if no record with p.ID exists; otherwise ErrExists.
	Put(ctx context.Context, p *domain.Paste) error
	// Get returns the physically present record, expired or not.
	Get(ctx context.Context, id string) (*domain.Paste, error)
	// Consume flips consumed to true if the record exists, is unconsumed and
	// expires after now. Any unmet condition yields ErrConditionFailed.
	Consume(ctx context.Context, id string, now time.Time) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*domain.Paste, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by stores without native expiry.
type Sweeper interface {
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}
