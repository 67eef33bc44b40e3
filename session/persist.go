package session

import (
	"encoding/json"
	"time"

	"github.com/bloomsignal/nip46/envelope"
)

// wireSession and wireSnapshot are the JSON-on-disk shapes for the single
// persisted document, independent of the in-memory Session layout in
// types.go.
type wireSession struct {
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	RemoteSignerPubkey string     `json:"remoteSignerPubkey"`
	UserPubkey         string     `json:"userPubkey"`
	ClientPublicKey    string     `json:"clientPublicKey"`
	ClientPrivateKey   string     `json:"clientPrivateKey"`
	Relays             []string   `json:"relays"`
	Permissions        []string   `json:"permissions"`
	Status             string     `json:"status"`
	Algorithm          string     `json:"algorithm"`
	PairingSecret      string     `json:"pairingSecret,omitempty"`
	Metadata           Metadata   `json:"metadata"`
	LastSeenAt         *int64     `json:"lastSeenAt"`
	LastError          *string    `json:"lastError"`
	PendingRelays      []string   `json:"pendingRelays"`
	AuthChallengeURL   *string    `json:"authChallengeUrl"`
	CreatedAt          int64      `json:"createdAt"`
	UpdatedAt          int64      `json:"updatedAt"`
}

type wireSnapshot struct {
	Sessions        []wireSession `json:"sessions"`
	ActiveSessionID *string       `json:"activeSessionId"`
}

func toWire(s Session) wireSession {
	var lastSeen *int64
	if s.LastSeenAt != nil {
		ms := s.LastSeenAt.UnixMilli()
		lastSeen = &ms
	}
	return wireSession{
		ID:                 s.ID,
		Type:               string(s.Type),
		RemoteSignerPubkey: s.RemoteSignerPubkey,
		UserPubkey:         s.UserPubkey,
		ClientPublicKey:    s.ClientPublicKey,
		ClientPrivateKey:   s.ClientPrivateKey,
		Relays:             s.Relays,
		Permissions:        s.Permissions,
		Status:             string(s.Status),
		Algorithm:          string(s.Algorithm),
		PairingSecret:      s.PairingSecret,
		Metadata:           s.Metadata,
		LastSeenAt:         lastSeen,
		LastError:          s.LastError,
		PendingRelays:      s.PendingRelays,
		AuthChallengeURL:   s.AuthChallengeURL,
		CreatedAt:          s.CreatedAt.UnixMilli(),
		UpdatedAt:          s.UpdatedAt.UnixMilli(),
	}
}

func fromWire(w wireSession) Session {
	var lastSeen *time.Time
	if w.LastSeenAt != nil {
		t := time.UnixMilli(*w.LastSeenAt)
		lastSeen = &t
	}
	return Session{
		ID:                 w.ID,
		Type:               Type(w.Type),
		RemoteSignerPubkey: w.RemoteSignerPubkey,
		UserPubkey:         w.UserPubkey,
		ClientPublicKey:    w.ClientPublicKey,
		ClientPrivateKey:   w.ClientPrivateKey,
		Relays:             w.Relays,
		Permissions:        w.Permissions,
		Status:             Status(w.Status),
		Algorithm:          envelope.Algorithm(w.Algorithm),
		PairingSecret:      w.PairingSecret,
		Metadata:           w.Metadata,
		LastSeenAt:         lastSeen,
		LastError:          w.LastError,
		PendingRelays:      w.PendingRelays,
		AuthChallengeURL:   w.AuthChallengeURL,
		CreatedAt:          time.UnixMilli(w.CreatedAt),
		UpdatedAt:          time.UnixMilli(w.UpdatedAt),
	}
}

// MarshalSnapshot serializes a Snapshot to the persisted JSON document.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	w := wireSnapshot{ActiveSessionID: s.ActiveSessionID}
	w.Sessions = make([]wireSession, 0, len(s.Sessions))
	for _, sess := range s.Sessions {
		w.Sessions = append(w.Sessions, toWire(sess))
	}
	return json.Marshal(w)
}

// UnmarshalSnapshot parses the persisted JSON document. A malformed blob
// returns an error; callers that want "tolerate corrupt data as no
// snapshot" should treat any error here as "no prior state".
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return Snapshot{}, err
	}
	sessions := make([]Session, 0, len(w.Sessions))
	for _, ws := range w.Sessions {
		sessions = append(sessions, fromWire(ws))
	}
	return Snapshot{Sessions: sessions, ActiveSessionID: w.ActiveSessionID}, nil
}
