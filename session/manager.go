package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bloomsignal/nip46/nerr"
	"github.com/bloomsignal/nip46/store"
)

// Manager is the authoritative in-memory set of sessions and the
// active-session pointer. It exclusively owns the session map;
// the request queue owns pending/in-flight state and the Store owns the
// persisted blob. Modeled on the MemorySessionStore/RedisSessionStore pair
// (cache_memory.go, cache_redis.go) generalized from a TTL-keyed cache to a
// single hydrated-then-mutated snapshot with change notification.
type Manager struct {
	store store.Store

	mu           sync.Mutex
	sessions     map[string]Session
	order        []string // insertion order, for deterministic GetSessions
	activeID     *string
	listeners    []listenerEntry
	nextListener int
	hydrated     bool
}

type listenerEntry struct {
	id int
	fn func(Snapshot)
}

// NewManager creates a session manager backed by s. Call Hydrate before use.
func NewManager(s store.Store) *Manager {
	return &Manager{
		store:    s,
		sessions: make(map[string]Session),
	}
}

// Hydrate loads the persisted snapshot once (idempotent: a second call is a
// no-op). It migrates legacy records: a signer-initiated session id lacking
// userPubkey adopts remoteSignerPubkey as userPubkey, and a missing
// authChallengeUrl is normalized to nil. If any record was migrated, the
// manager persists once after hydration.
func (m *Manager) Hydrate(ctx context.Context) error {
	m.mu.Lock()
	if m.hydrated {
		m.mu.Unlock()
		return nil
	}
	m.hydrated = true
	m.mu.Unlock()

	blob, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("session: hydrate: %w", err)
	}
	if !ok {
		m.emit()
		return nil
	}

	snap, err := UnmarshalSnapshot(blob)
	if err != nil {
		// Corrupt persisted data tolerates as "no prior state".
		slog.Warn("session snapshot unreadable, starting fresh", "error", err)
		m.emit()
		return nil
	}

	migrated := false
	for i := range snap.Sessions {
		s := &snap.Sessions[i]
		if strings.HasPrefix(s.ID, "signer-initiated:") && s.UserPubkey == "" {
			s.UserPubkey = s.RemoteSignerPubkey
			migrated = true
		}
	}

	m.mu.Lock()
	for _, s := range snap.Sessions {
		m.sessions[s.ID] = s
		m.order = append(m.order, s.ID)
	}
	m.activeID = snap.ActiveSessionID
	m.mu.Unlock()

	if migrated {
		if err := m.persist(ctx); err != nil {
			return fmt.Errorf("session: hydrate: persisting migration: %w", err)
		}
	}

	m.emit()
	return nil
}

// GetSessions returns the current sessions in insertion order.
func (m *Manager) GetSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotSessionsLocked()
}

func (m *Manager) snapshotSessionsLocked() []Session {
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// GetSession returns the session with id, if any.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetSessionByClientPubkey finds the session whose ClientPublicKey matches.
func (m *Manager) GetSessionByClientPubkey(pubkey string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		s := m.sessions[id]
		if s.ClientPublicKey == pubkey {
			return s, true
		}
	}
	return Session{}, false
}

// GetActiveSession returns the active session, if the pointer references one.
func (m *Manager) GetActiveSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == nil {
		return Session{}, false
	}
	s, ok := m.sessions[*m.activeID]
	return s, ok
}

// Upsert inserts or replaces a session. createdAt is preserved across
// upserts of an existing id; updatedAt is always set to now. The first
// upsert with no prior active session becomes active.
func (m *Manager) Upsert(ctx context.Context, s Session) error {
	m.mu.Lock()
	now := time.Now()
	if existing, ok := m.sessions[s.ID]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		m.order = append(m.order, s.ID)
	}
	s.UpdatedAt = now
	s.Permissions = MergePermissions(s.Permissions)
	m.sessions[s.ID] = s
	if m.activeID == nil {
		id := s.ID
		m.activeID = &id
	}
	m.mu.Unlock()

	return m.persistAndEmit(ctx)
}

// Patch mutates the session at id via fn and persists the result. fn
// receives a copy; returning false from fn aborts without persisting.
type Patch func(s *Session) bool

// Update applies a patch to the session at id.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nerr.New(nerr.KindStorage, "session.Update", fmt.Errorf("%s: %w", id, nerr.ErrSessionNotFound))
	}
	if !patch(&s) {
		m.mu.Unlock()
		return nil
	}
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	m.mu.Unlock()

	return m.persistAndEmit(ctx)
}

// Remove deletes a session. If it was active, the first remaining session
// (insertion order) is promoted to active, or the pointer is cleared if
// none remain.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID != nil && *m.activeID == id {
		if len(m.order) > 0 {
			next := m.order[0]
			m.activeID = &next
		} else {
			m.activeID = nil
		}
	}
	m.mu.Unlock()

	return m.persistAndEmit(ctx)
}

// SetActive points the active-session pointer at id, which must exist.
func (m *Manager) SetActive(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return nerr.New(nerr.KindStorage, "session.SetActive", fmt.Errorf("%s: %w", id, nerr.ErrSessionNotFound))
	}
	m.activeID = &id
	m.mu.Unlock()

	return m.persistAndEmit(ctx)
}

// OnChange subscribes to snapshot notifications. The listener is invoked
// synchronously: once immediately with the current snapshot, then again
// after every successful persist, in emit's calling goroutine. A listener
// that panics is recovered and logged so it cannot prevent other listeners
// from running or abort the mutation that triggered the notification. The
// returned function unsubscribes.
func (m *Manager) OnChange(listener func(Snapshot)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: listener})
	current := m.snapshotLocked()
	m.mu.Unlock()

	safeInvoke(listener, current)

	return func() {
		m.mu.Lock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

func safeInvoke(listener func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session listener panicked", "recover", r)
		}
	}()
	listener(snap)
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{Sessions: m.snapshotSessionsLocked(), ActiveSessionID: m.activeID}
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	blob, err := MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, blob)
}

func (m *Manager) persistAndEmit(ctx context.Context) error {
	if err := m.persist(ctx); err != nil {
		return err
	}
	m.emit()
	return nil
}

func (m *Manager) emit() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, e := range listeners {
		safeInvoke(e.fn, snap)
	}
}
