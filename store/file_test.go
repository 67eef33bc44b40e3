package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bloomsignal/nip46/nerr"
)

func TestFileLoadMissingReturnsNotFound(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nested", "sessions.json"))
	blob, ok, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || blob != nil {
		t.Fatalf("expected not-found for missing file, got ok=%v blob=%v", ok, blob)
	}
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "sub", "sessions.json"))
	ctx := context.Background()
	want := []byte(`{"sessions":[{"id":"x"}]}`)

	if err := f.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, ok, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after Save")
	}
	if string(got) != string(want) {
		t.Errorf("got %s want %s", got, want)
	}
}

func TestFileSaveOverwritesPreviousContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	f := NewFile(path)
	ctx := context.Background()

	if err := f.Save(ctx, []byte("first")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := f.Save(ctx, []byte("second")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("got %s want second", got)
	}
}

func TestFileLoadEmptyFileReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	f := NewFile(path)
	if err := f.Save(context.Background(), nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	blob, ok, err := f.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || blob != nil {
		t.Fatalf("expected not-found for empty file, got ok=%v blob=%v", ok, blob)
	}
}

func TestFileSaveDisablesFurtherWritesOnQuotaExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	f := NewFile(path)
	f.writesDisabled = true

	err := f.Save(context.Background(), []byte("data"))
	if err == nil {
		t.Fatal("expected error once writes are disabled")
	}
	if !nerr.Is(err, nerr.KindStorage) {
		t.Errorf("expected a storage error, got %v", err)
	}
	if !errors.Is(err, nerr.ErrStorageQuota) {
		t.Errorf("expected ErrStorageQuota, got %v", err)
	}
}
