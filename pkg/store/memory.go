package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests. Put assigns mod_seq from a
// process-wide counter, mirroring the Postgres sequence trigger.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	seq     int64
	err     error
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// SetErr makes GetByKey fail with err until cleared, simulating an outage.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Put upserts a record and returns its assigned mod_seq.
func (m *Memory) Put(r Record) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.ModSeq = m.seq
	m.records[r.Key] = r
	return r.ModSeq
}

// Remove deletes a record, returning the removed row if present.
func (m *Memory) Remove(key string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	delete(m.records, key)
	return r, ok
}

func (m *Memory) GetByKey(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Record{}, m.err
	}
	r, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Close() error { return nil }
