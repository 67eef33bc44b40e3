package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewSecret generates a random 16-byte hex pairing secret, following the
// secretBytes generation in GenerateNostrConnectURL.
func NewSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pairing: generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MatchesAlreadyConnected reports whether errMsg indicates the signer's
// "already connected" tolerance: it contains both
// "already" and "connect", case-insensitively.
func MatchesAlreadyConnected(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "already") && strings.Contains(lower, "connect")
}
