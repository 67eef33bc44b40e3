// Package store implements the storage adapter capability {load, save}
// over the single persisted session-snapshot document (key
// "bloom.nip46.sessions.v1"), following the CacheBackend interface
// (cache_interface.go). The adapter works at the raw-bytes level; package
// session owns (de)serialization so this package has no dependency on the
// session data model.
package store

import "context"

// Store is the persistence capability: Load never errors on missing data —
// it reports "not found" instead. Backends work on raw bytes and do not
// inspect the blob, so a damaged blob is returned as found; package session
// treats a blob it cannot parse as "no prior state".
type Store interface {
	// Load returns the persisted blob and true, or nil and false if there
	// is nothing to load (absent, empty, or unreadable).
	Load(ctx context.Context) ([]byte, bool, error)
	// Save persists blob as the single document. Implementations that hit
	// a hard capacity limit return
	// nerr.ErrStorageQuota and must have already disabled further writes.
	Save(ctx context.Context, blob []byte) error
}

// DocumentKey is the single key every durable backend stores the snapshot
// under.
const DocumentKey = "bloom.nip46.sessions.v1"
