// Package cdc defines the change event schema flowing from the Record Store's
// commit log through the event log to the invalidation consumer, along with
// key normalization and partition routing.
package cdc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Operation represents the type of change that occurred
type Operation string

const (
	OpInsert Operation = "c"
	OpUpdate Operation = "u"
	OpDelete Operation = "d"
)

// ChangeEvent is a single committed row mutation of the tracked table.
// Payload holds the new column values; it is nil for deletes. Seq is the
// row's commit sequence: monotonically non-decreasing per key within a
// partition.
type ChangeEvent struct {
	Key       string         `json:"key"`
	Op        Operation      `json:"op"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       int64          `json:"seq"`
	Partition int32          `json:"partition"`
	TsMs      int64          `json:"ts_ms"`
}

// Marshal serializes the event for the wire.
func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from the wire.
func Unmarshal(data []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	return e, nil
}

// Validate checks the fields every consumer relies on.
func (e ChangeEvent) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("change event missing key")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation: %q", e.Op)
	}
	if e.Seq <= 0 {
		return fmt.Errorf("invalid sequence: %d", e.Seq)
	}
	if e.Op != OpDelete && e.Payload == nil {
		return fmt.Errorf("%s event missing payload", e.Op)
	}
	return nil
}

// NormalizeURL canonicalizes a page URL so that trivially different spellings
// of the same address map to the same record key: scheme and host are
// lowercased, default ports and fragments are dropped, and a trailing slash
// on a non-root path is trimmed.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q missing scheme or host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// Key derives the stable record identifier for a normalized URL.
func Key(normalizedURL string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalizedURL))
}

// KeyForURL normalizes raw and returns its record key.
func KeyForURL(raw string) (string, error) {
	n, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	return Key(n), nil
}

// PartitionFor routes a key to one of n partitions with a stable hash, so all
// events for one key land on the same partition and stay totally ordered.
func PartitionFor(key string, n int32) int32 {
	if n <= 1 {
		return 0
	}
	return int32(xxhash.Sum64String(key) % uint64(n))
}
