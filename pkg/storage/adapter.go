// Package storage defines the StorageAdapter interface the engine's
// PersistenceShim and AuditLog consume (§6), plus a reference in-memory
// implementation.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Metadata is attached to every saved state so a reader can tell when and
// by which server a key was last written, and whether its schema changed.
type Metadata struct {
	PersistedAt   time.Time `json:"persistedAt"`
	ServerID      string    `json:"serverId"`
	SchemaVersion int       `json:"schemaVersion"`
}

// StoredState is the value an Adapter persists under a key: an opaque JSON
// payload plus its Metadata.
type StoredState struct {
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// Adapter is the storage interface the engine consumes for rule-set
// snapshots and audit-log hourly buckets. Implementations are supplied by
// the embedding application; only the in-memory reference implementation
// lives in this module.
type Adapter interface {
	Save(ctx context.Context, key string, state StoredState) error
	Load(ctx context.Context, key string) (StoredState, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
