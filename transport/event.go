// Package transport publishes signed kind-24133 events to a set of relays
// and subscribes to matching events. Follows RelayPool/RelayConn
// (relay_pool.go), event signing (nip46.go's
// createNIP46Event/calculateEventID/signEvent), and the
// signature-verification and relay-URL-normalization helpers in
// internal/nostr/event.go and internal/nostr/url.go.
package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/bloomsignal/nip46/nerr"
)

// Kind24133 is the only event kind this core publishes or subscribes to.
const Kind24133 = 24133

// Event is the wire shape of a Nostr event, trimmed to
// the fields kind-24133 envelopes use.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter is a relay subscription filter (NIP-01 REQ filter), trimmed to the
// fields this core needs to subscribe for its own kind-24133 traffic.
type Filter struct {
	Kinds   []int               `json:"kinds,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   int64               `json:"since,omitempty"`
}

// MarshalJSON flattens Tags into the NIP-01 "#x" filter key convention.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// BuildRequestEvent constructs and signs a kind-24133 event carrying content
// (already-encrypted ciphertext) addressed to counterpartyPubkey.
func BuildRequestEvent(clientPrivateKeyHex, clientPublicKeyHex, counterpartyPubkeyHex, content string) (Event, error) {
	evt := Event{
		PubKey:    clientPublicKeyHex,
		CreatedAt: time.Now().Unix(),
		Kind:      Kind24133,
		Tags:      [][]string{{"p", counterpartyPubkeyHex}},
		Content:   content,
	}
	id, err := computeID(evt)
	if err != nil {
		return Event{}, err
	}
	evt.ID = id

	sig, err := sign(clientPrivateKeyHex, id)
	if err != nil {
		return Event{}, err
	}
	evt.Sig = sig
	return evt, nil
}

func computeID(evt Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	arr := []interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}
	serialized, err := json.Marshal(arr)
	if err != nil {
		return "", nerr.New(nerr.KindValidation, "transport.computeID", err)
	}
	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}

func sign(privateKeyHex, eventIDHex string) (string, error) {
	privBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return "", nerr.New(nerr.KindValidation, "transport.sign", fmt.Errorf("invalid private key hex: %w", err))
	}
	priv, _ := btcec.PrivKeyFromBytes(privBytes)

	idBytes, err := hex.DecodeString(eventIDHex)
	if err != nil {
		return "", nerr.New(nerr.KindValidation, "transport.sign", fmt.Errorf("invalid event id hex: %w", err))
	}

	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return "", nerr.New(nerr.KindProtocol, "transport.sign", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignature checks that evt's Schnorr signature matches its id and
// pubkey, in the manner of internal/nostr/event.go's ValidateEventSignature.
func VerifySignature(evt Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pubKey)
}

// FindTag returns the first value of the named tag, if present.
func FindTag(evt Event, name string) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}
