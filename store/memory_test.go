package store

import (
	"context"
	"testing"
)

func TestMemoryLoadEmptyReturnsNotFound(t *testing.T) {
	m := NewMemory()
	blob, ok, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || blob != nil {
		t.Fatalf("expected not-found on empty store, got ok=%v blob=%v", ok, blob)
	}
}

func TestMemorySaveLoadRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	want := []byte(`{"sessions":[]}`)

	if err := m.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, ok, err := m.Load(ctx)
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

func TestMemoryLoadDoesNotAliasStoredBlob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Save(ctx, []byte("abc")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, _, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got[0] = 'z'

	got2, _, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got2) != "abc" {
		t.Errorf("mutating a loaded blob leaked into the store: got %s", got2)
	}
}

func TestMemorySaveDoesNotAliasCallerBuffer(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("original")
	if err := m.Save(ctx, buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	buf[0] = 'X'

	got, _, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("mutating the caller's buffer leaked into the store: got %s", got)
	}
}
