package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/bloomsignal/nip46/nerr"
)

// File is the persistent Store variant for a local desktop-style host: the
// snapshot is written to a single file, analogous to a single key in a
// browser's local durable storage. Follows the devKeypairFile persistence
// pattern (nostrconnect.go: os.ReadFile/os.WriteFile with 0600 permissions).
type File struct {
	path string

	mu             sync.Mutex
	writesDisabled bool
}

// NewFile creates a persistent store backed by the file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Load(ctx context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		// Missing or unreadable: tolerate as "no snapshot",
		// never surface as an error.
		return nil, false, nil
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

func (f *File) Save(ctx context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writesDisabled {
		return nerr.New(nerr.KindStorage, "store.File.Save", nerr.ErrStorageQuota)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("store.File: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		if isQuotaExhausted(err) {
			f.writesDisabled = true
			slog.Warn("session storage quota exhausted, disabling further writes", "path", f.path, "error", err)
			return nerr.New(nerr.KindStorage, "store.File.Save", nerr.ErrStorageQuota)
		}
		return fmt.Errorf("store.File: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("store.File: %w", err)
	}
	return nil
}

func isQuotaExhausted(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
