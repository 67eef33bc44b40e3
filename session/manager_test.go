package session

import (
	"context"
	"testing"
	"time"

	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/store"
	"github.com/stretchr/testify/require"
)

func newSession(id string, typ Type) Session {
	now := time.Now()
	return Session{
		ID:              id,
		Type:            typ,
		ClientPublicKey: "client-" + id,
		Relays:          []string{"wss://relay.example"},
		Status:          StatusPairing,
		Algorithm:       envelope.Algo44,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestUpsertFirstSessionBecomesActive(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	active, ok := m.GetActiveSession()
	require.True(t, ok)
	require.Equal(t, "s1", active.ID)
}

func TestUpsertAlwaysMergesDefaultPermissions(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	s := newSession("s1", ClientInitiated)
	s.Permissions = []string{"custom_perm"}
	require.NoError(t, m.Upsert(context.Background(), s))

	got, ok := m.GetSession("s1")
	require.True(t, ok)
	for _, p := range DefaultPermissions {
		require.Contains(t, got.Permissions, p)
	}
	require.Contains(t, got.Permissions, "custom_perm")
}

func TestUpsertPreservesCreatedAtAcrossUpdates(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	s := newSession("s1", ClientInitiated)
	originalCreated := s.CreatedAt
	require.NoError(t, m.Upsert(context.Background(), s))

	time.Sleep(2 * time.Millisecond)
	s2 := s
	s2.CreatedAt = time.Now().Add(24 * time.Hour) // attacker-controlled value, must be ignored
	s2.Status = StatusActive
	require.NoError(t, m.Upsert(context.Background(), s2))

	got, ok := m.GetSession("s1")
	require.True(t, ok)
	require.True(t, got.CreatedAt.Equal(originalCreated), "CreatedAt must not change across upserts")
	require.Equal(t, StatusActive, got.Status)
}

func TestUpdatedAtStrictlyIncreasesAcrossMutations(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	s := newSession("s1", ClientInitiated)
	require.NoError(t, m.Upsert(context.Background(), s))
	first, _ := m.GetSession("s1")

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.Update(context.Background(), "s1", func(sess *Session) bool {
		sess.Status = StatusActive
		return true
	}))
	second, _ := m.GetSession("s1")

	require.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestUpdateReturningFalseDoesNotPersist(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))
	before, _ := m.GetSession("s1")

	require.NoError(t, m.Update(context.Background(), "s1", func(sess *Session) bool {
		sess.Status = StatusRevoked
		return false
	}))

	after, _ := m.GetSession("s1")
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.Equal(t, before.Status, after.Status)
}

func TestUpdateUnknownSessionReturnsNotFound(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	err := m.Update(context.Background(), "missing", func(sess *Session) bool { return true })
	require.Error(t, err)
}

func TestRemovePromotesNextSessionToActive(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))
	require.NoError(t, m.Upsert(context.Background(), newSession("s2", ClientInitiated)))
	require.NoError(t, m.SetActive(context.Background(), "s1"))

	require.NoError(t, m.Remove(context.Background(), "s1"))

	active, ok := m.GetActiveSession()
	require.True(t, ok)
	require.Equal(t, "s2", active.ID)
}

func TestRemoveLastSessionClearsActivePointer(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	require.NoError(t, m.Remove(context.Background(), "s1"))

	_, ok := m.GetActiveSession()
	require.False(t, ok)
}

func TestSetActiveUnknownSessionFails(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	err := m.SetActive(context.Background(), "missing")
	require.Error(t, err)
}

func TestHydrateMigratesLegacySignerInitiatedSessionsMissingUserPubkey(t *testing.T) {
	s := store.NewMemory()
	legacy := newSession("signer-initiated:abc123:1000", SignerInitiated)
	legacy.RemoteSignerPubkey = "abc123"
	legacy.UserPubkey = ""
	blob, err := MarshalSnapshot(Snapshot{Sessions: []Session{legacy}})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), blob))

	m := NewManager(s)
	require.NoError(t, m.Hydrate(context.Background()))

	got, ok := m.GetSession(legacy.ID)
	require.True(t, ok)
	require.Equal(t, "abc123", got.UserPubkey)

	// The migration must also have been persisted back to the store.
	reloaded, ok2, err := s.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok2)
	snap, err := UnmarshalSnapshot(reloaded)
	require.NoError(t, err)
	require.Equal(t, "abc123", snap.Sessions[0].UserPubkey)
}

func TestHydrateIsIdempotent(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))
	require.NoError(t, m.Hydrate(context.Background()))

	sessions := m.GetSessions()
	require.Len(t, sessions, 1)
}

func TestHydrateTreatsCorruptSnapshotAsNoPriorState(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Save(context.Background(), []byte("not json")))

	m := NewManager(s)
	require.NoError(t, m.Hydrate(context.Background()))

	require.Empty(t, m.GetSessions())
}

func TestOnChangeDeliversCurrentSnapshotSynchronouslyOnSubscribe(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	var got Snapshot
	unsub := m.OnChange(func(snap Snapshot) { got = snap })
	defer unsub()

	require.Len(t, got.Sessions, 1)
}

func TestOnChangeDeliversSnapshotAfterEachMutation(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	var got Snapshot
	unsub := m.OnChange(func(snap Snapshot) { got = snap })
	defer unsub()
	require.Empty(t, got.Sessions) // initial empty snapshot, delivered synchronously

	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	require.Len(t, got.Sessions, 1)
}

func TestOnChangeUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	calls := 0
	unsub := m.OnChange(func(snap Snapshot) { calls++ })
	require.Equal(t, 1, calls) // initial

	unsub()
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	require.Equal(t, 1, calls, "must not be invoked after unsubscribing")
}

func TestOnChangeListenerPanicDoesNotCrashManagerOrOtherListeners(t *testing.T) {
	m := NewManager(store.NewMemory())
	require.NoError(t, m.Hydrate(context.Background()))

	otherCalls := 0
	unsub1 := m.OnChange(func(snap Snapshot) { panic("boom") })
	defer unsub1()
	unsub2 := m.OnChange(func(snap Snapshot) { otherCalls++ })
	defer unsub2()

	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	sessions := m.GetSessions()
	require.Len(t, sessions, 1)
	require.Equal(t, 2, otherCalls, "the non-panicking listener must still run on subscribe and on the mutation")
}

func TestMergePermissionsDefaultsAlwaysPresentAndDeduplicated(t *testing.T) {
	merged := MergePermissions([]string{"sign_event", "custom_a", "custom_a", ""})
	for _, p := range DefaultPermissions {
		require.Contains(t, merged, p)
	}
	count := 0
	for _, p := range merged {
		if p == "sign_event" {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Contains(t, merged, "custom_a")
}

func TestPersistedSnapshotRoundTripsThroughStore(t *testing.T) {
	s := store.NewMemory()
	m := NewManager(s)
	require.NoError(t, m.Hydrate(context.Background()))
	require.NoError(t, m.Upsert(context.Background(), newSession("s1", ClientInitiated)))

	m2 := NewManager(s)
	require.NoError(t, m2.Hydrate(context.Background()))

	got, ok := m2.GetSession("s1")
	require.True(t, ok)
	require.Equal(t, "client-s1", got.ClientPublicKey)
}
