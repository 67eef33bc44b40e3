package store

import "context"

// Memory is the in-memory Store variant: it deep-clones on
// save and load so that callers can never mutate the stored blob through an
// aliased slice, following the MemorySessionStore pattern (cache_memory.go)
// generalized from a session map to a raw blob.
type Memory struct {
	blob  []byte
	valid bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) ([]byte, bool, error) {
	if !m.valid {
		return nil, false, nil
	}
	out := make([]byte, len(m.blob))
	copy(out, m.blob)
	return out, true, nil
}

func (m *Memory) Save(ctx context.Context, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blob = cp
	m.valid = true
	return nil
}
