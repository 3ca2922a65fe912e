// Package eventlog is the durable, partitioned, append-only log between the
// change log reader and the invalidation consumer. Offsets increase strictly
// per partition and are the consumer's resume cursor.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/edgeflare/pagecache/pkg/cdc"
)

var (
	ErrClosed           = errors.New("event log closed")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Message is a change event together with its position in the partition.
type Message struct {
	Event  cdc.ChangeEvent
	Offset uint64
}

// Cursor reads one partition in order.
type Cursor interface {
	// Fetch returns up to max messages, waiting at most wait for the first
	// one. An empty slice with a nil error means the poll timed out.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	Close() error
}

// Log is the append/subscribe boundary. Append is used only by the change
// log reader; Open is used only by the invalidation consumer, one cursor per
// partition.
type Log interface {
	// Append durably publishes the event to its partition and returns the
	// assigned offset.
	Append(ctx context.Context, ev cdc.ChangeEvent) (uint64, error)

	// Open returns a cursor over partition delivering messages with
	// Offset >= from. from == 0 starts at the beginning of the partition.
	Open(ctx context.Context, partition int32, from uint64) (Cursor, error)

	// Partitions reports the partition count events are routed across.
	Partitions() int32

	Close() error
}
