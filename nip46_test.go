package nip46

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bloomsignal/nip46/config"
	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/keys"
	"github.com/bloomsignal/nip46/nerr"
	"github.com/bloomsignal/nip46/pairing"
	"github.com/bloomsignal/nip46/protocol"
	"github.com/bloomsignal/nip46/session"
	"github.com/bloomsignal/nip46/transport"
)

// fakeTransport is an in-process stand-in for the websocket pool: Publish
// hands the event to a test hook if onPublish is set, so
// facade-level tests never open a real connection. Subscribe is a no-op;
// tests that need the full incoming-event round trip live in package queue,
// which can call the dispatcher's unexported handler directly.
type fakeTransport struct {
	onPublish func(transport.Event)
}

func (f *fakeTransport) Publish(ctx context.Context, relays []string, evt transport.Event) error {
	if f.onPublish != nil {
		f.onPublish(evt)
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, relays []string, filters []transport.Filter, handler transport.Handler) (func(), error) {
	return func() {}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage = config.StorageMemory
	cfg.MetricsEnabled = false
	cfg.RequestTimeout = 150 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, ft *fakeTransport) *Service {
	t.Helper()
	svc, err := New(testConfig(), WithTransport(ft))
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(svc.Destroy)
	return svc
}

func TestCreateInvitationReturnsParsableURI(t *testing.T) {
	svc := newTestService(t, &fakeTransport{})

	sess, uri, err := svc.CreateInvitation(context.Background(), InvitationOptions{
		Relays: []string{"wss://relay.example"},
	})
	require.NoError(t, err)
	require.Equal(t, session.ClientInitiated, sess.Type)
	require.Equal(t, session.StatusPairing, sess.Status)
	require.NotEmpty(t, sess.PairingSecret)

	token, err := pairing.Parse(uri)
	require.NoError(t, err)
	require.Equal(t, pairing.SchemeNostrConnect, token.Scheme)
	require.Equal(t, sess.ClientPublicKey, token.PrimaryKey)
	require.Equal(t, sess.PairingSecret, token.Secret)

	got, ok := svc.SessionManager().GetSession(sess.ID)
	require.True(t, ok)
	require.Equal(t, sess.ID, got.ID)
}

func TestCreateInvitationUsesSuppliedSecret(t *testing.T) {
	svc := newTestService(t, &fakeTransport{})
	sess, _, err := svc.CreateInvitation(context.Background(), InvitationOptions{Secret: "fixed-secret"})
	require.NoError(t, err)
	require.Equal(t, "fixed-secret", sess.PairingSecret)
}

// TestPairWithUriBunkerSchemeSendsConnectWithSecretAndPerms exercises the
// connect-params construction rule for a bunker:// pairing carrying both a
// secret and requested permissions, without a real relay round trip: the
// simulated signer never replies, so Enqueue settles by timeout, but the
// published connect request is captured and inspected directly.
func TestPairWithUriBunkerSchemeSendsConnectWithSecretAndPerms(t *testing.T) {
	signerKP, err := keys.Generate()
	require.NoError(t, err)

	ft := &fakeTransport{}
	svc := newTestService(t, ft)

	var captured *protocol.RequestPayload
	ft.onPublish = func(evt transport.Event) {
		envCtx := envelope.Context{
			LocalPrivateKey: mustHexDecode(t, keys.ExportHex(signerKP)),
			RemotePublicKey: evt.PubKey,
			Algorithm:       envelope.Algo44,
		}
		req, err := protocol.DecodeRequest(evt.Content, envCtx)
		require.NoError(t, err)
		captured = &req
	}

	uri := "bunker://" + keys.PublicHex(signerKP) +
		"?relay=wss://relay.example&secret=topsecret&perms=sign_event,nip44_encrypt"
	sess, err := svc.PairWithUri(context.Background(), uri, PairOptions{})

	require.Error(t, err) // no simulated signer reply: Enqueue times out
	require.True(t, errors.Is(err, nerr.ErrTimeout))
	require.Equal(t, session.SignerInitiated, sess.Type)
	require.Equal(t, keys.PublicHex(signerKP), sess.RemoteSignerPubkey)

	require.NotNil(t, captured)
	require.Equal(t, protocol.MethodConnect, captured.Method)
	require.Equal(t, []string{keys.PublicHex(signerKP), "topsecret", "sign_event,nip44_encrypt"}, captured.Params)
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestSendRequestUnknownSessionFails(t *testing.T) {
	svc := newTestService(t, &fakeTransport{})
	_, err := svc.SendRequest(context.Background(), "missing-session", protocol.MethodPing, nil, "")
	require.Error(t, err)
}

func TestFetchUserPublicKeyReturnsKnownValueWithoutNetwork(t *testing.T) {
	svc := newTestService(t, &fakeTransport{})
	sess, _, err := svc.CreateInvitation(context.Background(), InvitationOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.SessionManager().Update(context.Background(), sess.ID, func(s *session.Session) bool {
		s.UserPubkey = "already-known-pubkey"
		return true
	}))

	pk, err := svc.FetchUserPublicKey(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "already-known-pubkey", pk)
}
