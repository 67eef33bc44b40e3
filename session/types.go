// Package session implements the data model (Session, SessionSnapshot,
// PendingRequest) and the session manager: the authoritative in-memory
// set of sessions, the active-session pointer, and change notification to
// subscribers.
package session

import (
	"fmt"
	"time"

	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/protocol"
)

// Type distinguishes which pairing URI scheme created the session.
type Type string

const (
	ClientInitiated Type = "client-initiated"
	SignerInitiated Type = "signer-initiated"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPairing Status = "pairing"
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// DefaultPermissions is the permission set every session carries regardless
// of what the pairing token requested, in first-seen order.
var DefaultPermissions = []string{
	"sign_event",
	"nip44_encrypt",
	"nip44_decrypt",
	"nip04_encrypt",
	"nip04_decrypt",
	"get_public_key",
}

// Metadata is the optional human-facing description carried by a pairing
// token.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

// Session identifies one pairing.
type Session struct {
	ID                 string
	Type               Type
	RemoteSignerPubkey string
	UserPubkey         string
	ClientPublicKey    string
	ClientPrivateKey   string // hex
	Relays             []string
	Permissions        []string
	Status             Status
	Algorithm          envelope.Algorithm
	PairingSecret      string
	Metadata           Metadata
	LastSeenAt         *time.Time
	LastError          *string
	PendingRelays      []string
	AuthChallengeURL   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BuildID constructs the stable "<type>:<baseId>:<createdMillis>" session
// ID. baseId is the session's own client pubkey for a client-initiated
// session (the remote signer is not known yet) and the remote signer's
// pubkey for a signer-initiated session.
func BuildID(t Type, baseID string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t, baseID, createdAt.UnixMilli())
}

// MergePermissions returns DefaultPermissions followed by any extras, first
// seen, de-duplicated.
func MergePermissions(extras []string) []string {
	seen := make(map[string]bool, len(DefaultPermissions)+len(extras))
	out := make([]string, 0, len(DefaultPermissions)+len(extras))
	for _, p := range DefaultPermissions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range extras {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// HasPermission reports whether s grants perm.
func (s Session) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Snapshot is the single persisted document.
type Snapshot struct {
	Sessions        []Session
	ActiveSessionID *string
}

// PendingState is the lifecycle state of a PendingRequest.
type PendingState string

const (
	PendingStatePending   PendingState = "pending"
	PendingStateSent      PendingState = "sent"
	PendingStateResolved  PendingState = "resolved"
	PendingStateError     PendingState = "error"
	PendingStateExpired   PendingState = "expired"
	PendingStateChallenge PendingState = "challenge"
)

// PendingRequest tracks one outstanding request to a remote signer.
type PendingRequest struct {
	ID         string
	Method     protocol.Method
	SessionID  string
	CreatedAt  time.Time
	LastSentAt *time.Time
	State      PendingState
	Payload    protocol.RequestPayload
	Error      *string
	Response   *protocol.ResponsePayload
}
