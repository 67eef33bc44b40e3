// Package pairing parses and builds the two pairing URI schemes,
// nostrconnect:// (client-initiated) and bunker:// (signer-initiated).
// Follows the shape of GenerateNostrConnectURL (nostrconnect.go) and
// ParseBunkerURL (nip46.go), generalized from hard-coded server state into
// pure parse/build functions over a Token value.
package pairing

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Scheme identifies which pairing URI variant a Token came from or builds to.
type Scheme string

const (
	SchemeNostrConnect Scheme = "nostrconnect"
	SchemeBunker       Scheme = "bunker"
)

// Metadata is the optional descriptive payload carried by either scheme:
// unknown JSON keys are dropped on parse.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

// Token is the parsed or to-be-built form of a pairing URI.
type Token struct {
	Scheme Scheme
	// PrimaryKey is the clientPubkey for nostrconnect:// or the
	// remoteSignerPubkey for bunker://. Parse lowercases it; its length and
	// hex encoding are not checked.
	PrimaryKey string
	Relays     []string
	Secret     string
	Perms      []string
	Metadata   Metadata
	// Raw holds every query parameter as received, for callers that need
	// fields this parser doesn't promote to a named field.
	Raw url.Values
}

// Parse decodes a nostrconnect:// or bunker:// URI into a Token.
func Parse(uri string) (Token, error) {
	var scheme Scheme
	switch {
	case strings.HasPrefix(uri, "nostrconnect://"):
		scheme = SchemeNostrConnect
	case strings.HasPrefix(uri, "bunker://"):
		scheme = SchemeBunker
	default:
		return Token{}, fmt.Errorf("pairing: unknown scheme in %q", uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Token{}, fmt.Errorf("pairing: invalid URI: %w", err)
	}

	primary := strings.ToLower(u.Host)
	if primary == "" {
		return Token{}, fmt.Errorf("pairing: missing primary key in %q", uri)
	}

	q := u.Query()
	t := Token{
		Scheme:     scheme,
		PrimaryKey: primary,
		Relays:     q["relay"],
		Secret:     q.Get("secret"),
		Raw:        q,
	}

	if perms := q.Get("perms"); perms != "" {
		for _, p := range strings.Split(perms, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				t.Perms = append(t.Perms, p)
			}
		}
	}

	if meta := q.Get("metadata"); meta != "" {
		var m Metadata
		if err := json.Unmarshal([]byte(meta), &m); err == nil {
			t.Metadata = m
		}
	}

	return t, nil
}

// BuildNostrConnect builds a client-initiated nostrconnect:// URI: the
// primary key is percent-encoded, relays are repeated params, then secret,
// perms (comma-joined), and metadata (JSON), in that order.
func BuildNostrConnect(t Token) (string, error) {
	u := url.URL{Scheme: string(SchemeNostrConnect), Host: t.PrimaryKey}
	var params []string
	for _, relay := range t.Relays {
		params = append(params, "relay="+url.QueryEscape(relay))
	}
	if t.Secret != "" {
		params = append(params, "secret="+url.QueryEscape(t.Secret))
	}
	if len(t.Perms) > 0 {
		params = append(params, "perms="+url.QueryEscape(strings.Join(t.Perms, ",")))
	}
	if t.Metadata != (Metadata{}) {
		metaJSON, err := json.Marshal(t.Metadata)
		if err != nil {
			return "", fmt.Errorf("pairing: encoding metadata: %w", err)
		}
		params = append(params, "metadata="+url.QueryEscape(string(metaJSON)))
	}
	u.RawQuery = strings.Join(params, "&")
	return u.String(), nil
}

// BuildBunker builds a signer-initiated bunker:// URI.
func BuildBunker(t Token) (string, error) {
	u := url.URL{Scheme: string(SchemeBunker), Host: t.PrimaryKey}
	q := url.Values{}
	for _, relay := range t.Relays {
		q.Add("relay", relay)
	}
	if t.Secret != "" {
		q.Set("secret", t.Secret)
	}
	if t.Metadata != (Metadata{}) {
		metaJSON, err := json.Marshal(t.Metadata)
		if err != nil {
			return "", fmt.Errorf("pairing: encoding metadata: %w", err)
		}
		q.Set("metadata", string(metaJSON))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
