// Package store is the read boundary to the authoritative table of scraped
// pages. The pipeline never writes page rows; the scrape service does. Reads
// return the row's mod_seq alongside the data so the query coordinator can
// populate the cache with a version comparable to CDC commit sequences.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// Record is one scraped page. ModSeq is bumped from a global sequence on
// every insert and update, so per key it is commit-ordered.
type Record struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Query       string    `json:"query,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Engine      string    `json:"engine,omitempty"`
	Content     string    `json:"content,omitempty"`
	Embedding   string    `json:"embedding,omitempty"`
	ModSeq      int64     `json:"mod_seq"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// CacheValue serializes the record the way cached values are stored, the
// same JSON object shape a CDC event payload carries.
func (r Record) CacheValue() ([]byte, error) {
	return json.Marshal(r)
}

// Store reads records by key.
type Store interface {
	// GetByKey returns the record for key, or ErrNotFound.
	GetByKey(ctx context.Context, key string) (Record, error)

	Close() error
}
