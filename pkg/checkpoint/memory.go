package checkpoint

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	offsets map[int32]uint64
	saveErr error
}

func NewMemory() *Memory {
	return &Memory{offsets: make(map[int32]uint64)}
}

// SetSaveErr makes Save fail with err until cleared, simulating a
// persistence outage in tests.
func (m *Memory) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *Memory) Load(_ context.Context, partition int32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset, ok := m.offsets[partition]
	if !ok {
		return 0, ErrNotFound
	}
	return offset, nil
}

func (m *Memory) Save(_ context.Context, partition int32, offset uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.offsets[partition] = offset
	return nil
}

func (m *Memory) Close() error { return nil }
