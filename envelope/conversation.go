package envelope

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"

	"github.com/bloomsignal/nip46/nerr"
)

const nip44Salt = "nip44-v2"

// normalizeRemoteKey trims, lowercases, strips a leading 0x, and collapses
// a 66-char compressed point (02/03 prefix) down to its 64-char x-only
// form. Any other length or non-hex value is an encode error.
func normalizeRemoteKey(remote string) ([]byte, error) {
	s := strings.ToLower(strings.TrimSpace(remote))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case 66:
		if s[0:2] != "02" && s[0:2] != "03" {
			return nil, fmt.Errorf("unsupported compressed-point prefix %q", s[0:2])
		}
		s = s[2:]
	case 64:
		// already x-only
	default:
		return nil, fmt.Errorf("invalid remote public key length %d", len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid remote public key hex: %w", err)
	}
	return b, nil
}

func parseXOnlyPubKey(xOnly []byte) (*btcec.PublicKey, error) {
	withPrefix := append([]byte{0x02}, xOnly...)
	pub, err := btcec.ParsePubKey(withPrefix)
	if err != nil {
		withPrefix[0] = 0x03
		pub, err = btcec.ParsePubKey(withPrefix)
		if err != nil {
			return nil, fmt.Errorf("invalid public key")
		}
	}
	return pub, nil
}

// conversationKey44 derives the NIP-44-style conversation key: ECDH shared
// X-coordinate, HKDF-extracted with the "nip44-v2" salt.
func conversationKey44(localPriv []byte, remoteXOnly []byte) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(localPriv)
	pub, err := parseXOnlyPubKey(remoteXOnly)
	if err != nil {
		return nil, err
	}

	sharedX, _ := pub.ToECDSA().Curve.ScalarMult(pub.X(), pub.Y(), priv.Serialize())
	sharedBytes := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(sharedBytes[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, sharedBytes, []byte(nip44Salt)), nil
}

// sharedSecret04 derives the legacy NIP-04 ECDH shared secret (raw X
// coordinate, RFC 5903 §9 convention), matching btcec.GenerateSharedSecret.
func sharedSecret04(localPriv []byte, remoteXOnly []byte) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(localPriv)
	if priv == nil {
		return nil, nerr.New(nerr.KindValidation, "envelope.sharedSecret04", fmt.Errorf("invalid private key"))
	}
	pub, err := parseXOnlyPubKey(remoteXOnly)
	if err != nil {
		return nil, err
	}

	sharedX := btcec.GenerateSharedSecret(priv, pub)
	if len(sharedX) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(sharedX):], sharedX)
		return padded, nil
	}
	return sharedX, nil
}
