package pairing

import (
	"reflect"
	"sort"
	"strings"
	"testing"
)

func repeatHex(ch byte, n int) string {
	return strings.Repeat(string(ch), n)
}

func TestParseBuildRoundTripNostrConnect(t *testing.T) {
	token := Token{
		Scheme:     SchemeNostrConnect,
		PrimaryKey: repeatHex('a', 64),
		Relays:     []string{"wss://r1", "wss://r2"},
		Secret:     "deadbeef",
		Perms:      []string{"sign_event", "nip44_encrypt"},
		Metadata:   Metadata{Name: "Example Client", URL: "https://example.com"},
	}

	uri, err := BuildNostrConnect(token)
	if err != nil {
		t.Fatalf("BuildNostrConnect failed: %v", err)
	}

	parsed, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	assertTokenFieldsMatch(t, token, parsed)
}

func TestParseBuildRoundTripBunker(t *testing.T) {
	token := Token{
		Scheme:     SchemeBunker,
		PrimaryKey: repeatHex('b', 64),
		Relays:     []string{"wss://relay.example"},
		Secret:     "s3cr3t",
		Metadata:   Metadata{Description: "a bunker"},
	}

	uri, err := BuildBunker(token)
	if err != nil {
		t.Fatalf("BuildBunker failed: %v", err)
	}

	parsed, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	assertTokenFieldsMatch(t, token, parsed)
}

func assertTokenFieldsMatch(t *testing.T, want, got Token) {
	t.Helper()
	if got.PrimaryKey != want.PrimaryKey {
		t.Errorf("PrimaryKey: got %s want %s", got.PrimaryKey, want.PrimaryKey)
	}
	if !reflect.DeepEqual(sortedCopy(got.Relays), sortedCopy(want.Relays)) {
		t.Errorf("Relays: got %v want %v", got.Relays, want.Relays)
	}
	if got.Secret != want.Secret {
		t.Errorf("Secret: got %s want %s", got.Secret, want.Secret)
	}
	if !reflect.DeepEqual(sortedCopy(got.Perms), sortedCopy(want.Perms)) {
		t.Errorf("Perms: got %v want %v", got.Perms, want.Perms)
	}
	if got.Metadata != want.Metadata {
		t.Errorf("Metadata: got %+v want %+v", got.Metadata, want.Metadata)
	}
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestParseUnknownSchemeFails(t *testing.T) {
	if _, err := Parse("https://not-a-pairing-uri"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

func TestParseMissingPrimaryKeyFails(t *testing.T) {
	if _, err := Parse("nostrconnect://?relay=wss://r"); err == nil {
		t.Error("expected error for missing primary key")
	}
}

func TestParseAccumulatesRepeatedRelayParams(t *testing.T) {
	tok, err := Parse("bunker://" + repeatHex('c', 64) + "?relay=wss://r1&relay=wss://r2&relay=wss://r3")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(tok.Relays) != 3 {
		t.Fatalf("expected 3 relays, got %d: %v", len(tok.Relays), tok.Relays)
	}
}

func TestParseDropsUnknownMetadataKeys(t *testing.T) {
	uri := "nostrconnect://" + repeatHex('d', 64) + "?metadata=%7B%22name%22%3A%22X%22%2C%22unknown%22%3A%22y%22%7D"
	tok, err := Parse(uri)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if tok.Metadata.Name != "X" {
		t.Errorf("expected metadata.Name=X, got %q", tok.Metadata.Name)
	}
}
