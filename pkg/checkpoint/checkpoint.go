// Package checkpoint persists per-partition consumer progress. A checkpoint
// records the last event-log offset whose event was durably applied to the
// cache; a restarted consumer resumes exactly after it. Redelivery of the
// last event (crash between apply and save) is expected and absorbed by the
// cache's version guard.
package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when a partition has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints. Save must be durable before it returns; the
// consumer never advances past an unsaved offset.
type Store interface {
	// Load returns the last saved offset for partition, or ErrNotFound.
	Load(ctx context.Context, partition int32) (uint64, error)

	// Save durably records offset as the last applied position for partition.
	Save(ctx context.Context, partition int32, offset uint64) error

	Close() error
}
