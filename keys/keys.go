// Package keys generates, imports and exports the 32-byte secp256k1
// scalars used as client keypairs, following GeneratePrivateKey/
// GetPublicKey (nip44.go) and the schnorr signing helpers in nip46.go.
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bloomsignal/nip46/nerr"
)

// KeyPair holds a locally generated secp256k1 scalar and its x-only
// (BIP-340) public point, both commonly carried as lowercase hex in the
// session model.
type KeyPair struct {
	PrivateKey []byte // 32 bytes
	PublicKey  []byte // 32 bytes, x-only
}

// Generate creates a fresh random keypair.
func Generate() (KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, nerr.New(nerr.KindValidation, "keys.Generate", err)
	}
	privBytes := priv.Serialize()
	pub, err := derivePublic(privBytes)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PrivateKey: privBytes, PublicKey: pub}, nil
}

func derivePublic(privBytes []byte) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(privBytes)
	if priv == nil {
		return nil, nerr.New(nerr.KindValidation, "keys.derivePublic", fmt.Errorf("invalid private scalar"))
	}
	// BIP-340 x-only: drop the compressed-point parity byte.
	return priv.PubKey().SerializeCompressed()[1:], nil
}

// ImportHex validates and decodes a 64-char lowercase-hex private key,
// accepting a leading "0x" and surrounding whitespace.
func ImportHex(s string) (KeyPair, error) {
	s = normalizeHex(s)
	if len(s) != 64 {
		return KeyPair{}, nerr.New(nerr.KindValidation, "keys.ImportHex", fmt.Errorf("expected 64 hex chars, got %d", len(s)))
	}
	priv, err := hex.DecodeString(s)
	if err != nil {
		return KeyPair{}, nerr.New(nerr.KindValidation, "keys.ImportHex", err)
	}
	pub, err := derivePublic(priv)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// ExportHex returns the lowercase-hex private key.
func ExportHex(kp KeyPair) string {
	return hex.EncodeToString(kp.PrivateKey)
}

// PublicHex returns the lowercase-hex x-only public key.
func PublicHex(kp KeyPair) string {
	return hex.EncodeToString(kp.PublicKey)
}

// normalizeHex trims whitespace and a leading 0x/0X prefix, lowercasing the
// result. It does not validate hex-ness; callers decode afterwards.
func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strings.ToLower(s)
}
