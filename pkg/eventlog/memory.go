package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/edgeflare/pagecache/pkg/cdc"
)

// Memory is an in-process Log for tests and single-process deployments.
// Offsets start at 1 per partition. Appended messages are retained until the
// log is closed, so cursors can replay from any offset.
type Memory struct {
	mu         sync.Mutex
	partitions []*memPartition
	closed     bool
}

type memPartition struct {
	mu     sync.Mutex
	msgs   []Message
	notify chan struct{}
}

// NewMemory creates an in-memory log with n partitions.
func NewMemory(n int32) *Memory {
	if n < 1 {
		n = 1
	}
	parts := make([]*memPartition, n)
	for i := range parts {
		parts[i] = &memPartition{notify: make(chan struct{})}
	}
	return &Memory{partitions: parts}
}

func (m *Memory) Append(_ context.Context, ev cdc.ChangeEvent) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if int(ev.Partition) >= len(m.partitions) || ev.Partition < 0 {
		m.mu.Unlock()
		return 0, ErrUnknownPartition
	}
	p := m.partitions[ev.Partition]
	m.mu.Unlock()

	p.mu.Lock()
	offset := uint64(len(p.msgs)) + 1
	p.msgs = append(p.msgs, Message{Event: ev, Offset: offset})
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
	return offset, nil
}

func (m *Memory) Open(_ context.Context, partition int32, from uint64) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if int(partition) >= len(m.partitions) || partition < 0 {
		return nil, ErrUnknownPartition
	}
	if from == 0 {
		from = 1
	}
	return &memCursor{p: m.partitions[partition], next: from}, nil
}

func (m *Memory) Partitions() int32 {
	return int32(len(m.partitions))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memCursor struct {
	p    *memPartition
	next uint64
}

func (c *memCursor) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		c.p.mu.Lock()
		notify := c.p.notify
		var out []Message
		if c.next <= uint64(len(c.p.msgs)) {
			for _, msg := range c.p.msgs[c.next-1:] {
				out = append(out, msg)
				if len(out) == max {
					break
				}
			}
		}
		c.p.mu.Unlock()

		if len(out) > 0 {
			c.next = out[len(out)-1].Offset + 1
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

func (c *memCursor) Close() error { return nil }
