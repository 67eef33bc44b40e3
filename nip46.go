// Package nip46 is the service facade: the consumer interface a host
// application programs against. It wires together the session manager,
// the request queue/dispatcher, the pairing URI parser/builder, the
// storage adapter, and the transport adapter into pair-from-URI,
// create-invitation, send-request, connect-session, and
// fetch-user-pubkey operations.
//
// Follows BunkerSession (nip46.go): Connect/SignEvent there are the
// single-purpose ancestor of PairWithUri/SendRequest here, generalized
// from one hard-coded relay loop into the queue's timer-owning,
// multi-session dispatcher.
package nip46

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/bloomsignal/nip46/config"
	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/keys"
	"github.com/bloomsignal/nip46/nerr"
	"github.com/bloomsignal/nip46/pairing"
	"github.com/bloomsignal/nip46/protocol"
	"github.com/bloomsignal/nip46/queue"
	"github.com/bloomsignal/nip46/session"
	"github.com/bloomsignal/nip46/store"
	"github.com/bloomsignal/nip46/transport"
)

// PairOptions customizes PairWithUri beyond what the URI itself carries.
type PairOptions struct {
	// Algorithm overrides the default algo-44 encryption scheme.
	Algorithm envelope.Algorithm
}

// InvitationOptions customizes CreateInvitation.
type InvitationOptions struct {
	Relays      []string
	Permissions []string
	Secret      string
	Algorithm   envelope.Algorithm
	Metadata    session.Metadata
}

// Service is the root package's facade over every other component. It is
// the only exported entry point a host application needs.
type Service struct {
	manager  *session.Manager
	store    store.Store
	pool     *transport.Pool
	queue    *queue.Queue
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	pubkeySF singleflight.Group

	transportOverride queue.Transport

	mu          sync.Mutex
	initialized bool
}

// New constructs a Service from cfg. It does not hydrate state or start the
// dispatcher — call Init for that.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	svc := &Service{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(svc)
	}

	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	svc.store = st
	svc.manager = session.NewManager(st)
	svc.pool = transport.NewPool()

	qOpts := []queue.Option{queue.WithLogger(svc.logger)}
	if cfg.RequestTimeout > 0 {
		qOpts = append(qOpts, queue.WithTimeout(cfg.RequestTimeout))
	}
	if cfg.MetricsEnabled {
		// Each Service gets its own private registry rather than
		// prometheus.DefaultRegisterer: promauto panics on duplicate
		// registration, which the global registry would hit the moment a
		// second Service (or a rebuilt one after Destroy) registers the
		// same metric names in one process. A host that wants these on
		// its own /metrics endpoint reads them back via MetricsRegistry.
		if svc.registry == nil {
			svc.registry = prometheus.NewRegistry()
		}
		qOpts = append(qOpts, queue.WithMetrics(queue.NewMetrics(svc.registry)))
	}

	var t queue.Transport = svc.pool
	if svc.transportOverride != nil {
		t = svc.transportOverride
	}
	svc.queue = queue.New(svc.manager, t, qOpts...)

	return svc, nil
}

// Option configures a Service at construction.
type Option func(*Service)

// WithLogger overrides the default slog logger used by the facade and the
// dispatcher it owns.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithTransport overrides the dispatcher's relay transport, bypassing the
// websocket pool. The pool is still constructed and still owns Destroy's
// connection teardown; this only affects what the queue publishes and
// subscribes through, for hosts embedding an alternative transport or for
// tests.
func WithTransport(t queue.Transport) Option {
	return func(svc *Service) { svc.transportOverride = t }
}

// WithMetricsRegistry supplies the Prometheus registry the dispatcher's
// metrics register against when cfg.MetricsEnabled is set, instead of the
// private per-Service registry New creates by default. Use this to mount
// the core's metrics on a host application's own registry/endpoint.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(svc *Service) { svc.registry = reg }
}

func buildStore(cfg config.Config) (store.Store, error) {
	switch cfg.Storage {
	case config.StorageRedis:
		return store.NewRedis(cfg.RedisURL, cfg.RedisPrefix, 0)
	case config.StorageMemory:
		return store.NewMemory(), nil
	case config.StorageFile, "":
		path := cfg.FilePath
		if path == "" {
			path = "bunker-sessions.json"
		}
		return store.NewFile(path), nil
	default:
		return nil, fmt.Errorf("nip46: unknown storage backend %q", cfg.Storage)
	}
}

// Init hydrates the session manager from storage and lazily starts the
// dispatcher, once until Destroy resets it.
func (svc *Service) Init(ctx context.Context) error {
	if err := svc.manager.Hydrate(ctx); err != nil {
		return err
	}
	svc.ensureQueue(ctx)
	return nil
}

// Destroy shuts the dispatcher down (unsubscribes, clears timers and
// pending maps) and resets initialization so a subsequent Init starts
// clean.
func (svc *Service) Destroy() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.queue.Destroy()
	svc.pool.Close()
	svc.initialized = false
}

// SessionManager exposes the session manager for UI subscriptions
// (onChange, getSessions, setActiveSession, etc).
func (svc *Service) SessionManager() *session.Manager {
	return svc.manager
}

// MetricsRegistry returns the Prometheus registry the dispatcher's metrics
// are registered against. It is nil if cfg.MetricsEnabled was false and no
// registry was supplied with WithMetricsRegistry. A host
// app mounts this on its own /metrics handler instead of reaching for
// prometheus.DefaultRegisterer.
func (svc *Service) MetricsRegistry() *prometheus.Registry {
	return svc.registry
}

func (svc *Service) ensureQueue(ctx context.Context) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.initialized {
		return
	}
	svc.initialized = true
	svc.queue.Init(ctx)
}

// PairWithUri parses a pairing URI (either scheme), creates a session, and
// — only for the signer-initiated (bunker://) scheme, where the remote
// signer pubkey is already known — issues a connect handshake.
func (svc *Service) PairWithUri(ctx context.Context, uri string, opts PairOptions) (session.Session, error) {
	token, err := pairing.Parse(uri)
	if err != nil {
		return session.Session{}, nerr.New(nerr.KindValidation, "nip46.PairWithUri", err)
	}

	kp, err := keys.Generate()
	if err != nil {
		return session.Session{}, err
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = envelope.Algo44
	}

	now := time.Now()
	var sessType session.Type
	var baseID, remoteSigner string
	switch token.Scheme {
	case pairing.SchemeNostrConnect:
		sessType = session.ClientInitiated
		baseID = keys.PublicHex(kp)
	case pairing.SchemeBunker:
		sessType = session.SignerInitiated
		remoteSigner = token.PrimaryKey
		baseID = token.PrimaryKey
	default:
		return session.Session{}, nerr.New(nerr.KindValidation, "nip46.PairWithUri", fmt.Errorf("unsupported scheme %q", token.Scheme))
	}

	sess := session.Session{
		ID:                 session.BuildID(sessType, baseID, now),
		Type:               sessType,
		RemoteSignerPubkey: remoteSigner,
		ClientPublicKey:    keys.PublicHex(kp),
		ClientPrivateKey:   keys.ExportHex(kp),
		Relays:             transport.NormalizeRelays(token.Relays),
		Permissions:        session.MergePermissions(token.Perms),
		Status:             session.StatusPairing,
		Algorithm:          algorithm,
		PairingSecret:      token.Secret,
		Metadata:           fromPairingMetadata(token.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := svc.manager.Upsert(ctx, sess); err != nil {
		return session.Session{}, err
	}
	svc.ensureQueue(ctx)

	if sessType != session.SignerInitiated {
		return sess, nil
	}

	params := []string{remoteSigner}
	hasPerms := len(token.Perms) > 0
	switch {
	case sess.PairingSecret != "":
		params = append(params, sess.PairingSecret)
	case hasPerms:
		params = append(params, "")
	}
	if hasPerms {
		params = append(params, strings.Join(token.Perms, ","))
	}

	payload, err := protocol.BuildRequest("", protocol.MethodConnect, params)
	if err != nil {
		return sess, err
	}
	if _, err := svc.queue.Enqueue(ctx, sess, payload); err != nil {
		if updated, ok := svc.manager.GetSession(sess.ID); ok {
			return updated, err
		}
		return sess, err
	}

	if updated, ok := svc.manager.GetSession(sess.ID); ok {
		sess = updated
	}
	if sess.UserPubkey == "" && sess.HasPermission("get_public_key") {
		if pk, err := svc.FetchUserPublicKey(ctx, sess.ID); err == nil && pk != "" {
			if updated, ok := svc.manager.GetSession(sess.ID); ok {
				sess = updated
			}
		} else if err != nil {
			svc.logger.Warn("nip46: post-connect get_public_key failed", "session", sess.ID, "error", err)
		}
	}

	return sess, nil
}

// CreateInvitation generates a fresh keypair, a random pairing secret if
// none supplied, stores a client-initiated pairing session, and returns it
// alongside the nostrconnect:// URI the user shares with their signer.
// There is no connect to emit for this scheme; the client waits for the
// signer to initiate.
func (svc *Service) CreateInvitation(ctx context.Context, opts InvitationOptions) (session.Session, string, error) {
	kp, err := keys.Generate()
	if err != nil {
		return session.Session{}, "", err
	}

	secret := opts.Secret
	if secret == "" {
		secret, err = pairing.NewSecret()
		if err != nil {
			return session.Session{}, "", err
		}
	}

	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = envelope.Algo44
	}

	relays := transport.NormalizeRelays(opts.Relays)
	if len(relays) == 0 {
		relays = transport.NormalizeRelays(svc.cfg.DefaultRelays)
	}
	clientPub := keys.PublicHex(kp)
	now := time.Now()

	sess := session.Session{
		ID:               session.BuildID(session.ClientInitiated, clientPub, now),
		Type:             session.ClientInitiated,
		ClientPublicKey:  clientPub,
		ClientPrivateKey: keys.ExportHex(kp),
		Relays:           relays,
		Permissions:      session.MergePermissions(opts.Permissions),
		Status:           session.StatusPairing,
		Algorithm:        algorithm,
		PairingSecret:    secret,
		Metadata:         opts.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := svc.manager.Upsert(ctx, sess); err != nil {
		return session.Session{}, "", err
	}
	svc.ensureQueue(ctx)

	uri, err := pairing.BuildNostrConnect(pairing.Token{
		Scheme:     pairing.SchemeNostrConnect,
		PrimaryKey: clientPub,
		Relays:     relays,
		Secret:     secret,
		Perms:      sess.Permissions,
		Metadata:   toPairingMetadata(sess.Metadata),
	})
	if err != nil {
		return sess, "", err
	}
	return sess, uri, nil
}

// SendRequest builds and enqueues a request for an existing session.
// Unknown sessionId fails synchronously.
func (svc *Service) SendRequest(ctx context.Context, sessionID string, method protocol.Method, params []string, id string) (protocol.ResponsePayload, error) {
	sess, ok := svc.manager.GetSession(sessionID)
	if !ok {
		return protocol.ResponsePayload{}, nerr.New(nerr.KindStorage, "nip46.SendRequest", fmt.Errorf("%s: %w", sessionID, nerr.ErrSessionNotFound))
	}
	payload, err := protocol.BuildRequest(id, method, params)
	if err != nil {
		return protocol.ResponsePayload{}, err
	}
	return svc.queue.Enqueue(ctx, sess, payload)
}

// ConnectSession (re-)issues the connect handshake for a session whose
// remote signer pubkey is already known, e.g. to retry after a transient
// transport failure.
func (svc *Service) ConnectSession(ctx context.Context, sessionID string) (protocol.ResponsePayload, error) {
	sess, ok := svc.manager.GetSession(sessionID)
	if !ok {
		return protocol.ResponsePayload{}, nerr.New(nerr.KindStorage, "nip46.ConnectSession", fmt.Errorf("%s: %w", sessionID, nerr.ErrSessionNotFound))
	}
	if sess.RemoteSignerPubkey == "" {
		return protocol.ResponsePayload{}, nerr.New(nerr.KindProtocol, "nip46.ConnectSession", nerr.ErrSignerUnknown)
	}

	params := []string{sess.RemoteSignerPubkey}
	if sess.PairingSecret != "" {
		params = append(params, sess.PairingSecret)
	}
	payload, err := protocol.BuildRequest("", protocol.MethodConnect, params)
	if err != nil {
		return protocol.ResponsePayload{}, err
	}
	return svc.queue.Enqueue(ctx, sess, payload)
}

// FetchUserPublicKey returns the session's user pubkey, fetching it via
// get_public_key if not yet known. Concurrent calls for the same session
// collapse onto one in-flight request (golang.org/x/sync/singleflight,
// following singleflight.go's request-coalescing groups).
func (svc *Service) FetchUserPublicKey(ctx context.Context, sessionID string) (string, error) {
	sess, ok := svc.manager.GetSession(sessionID)
	if !ok {
		return "", nerr.New(nerr.KindStorage, "nip46.FetchUserPublicKey", fmt.Errorf("%s: %w", sessionID, nerr.ErrSessionNotFound))
	}
	if sess.UserPubkey != "" {
		return sess.UserPubkey, nil
	}

	v, err, _ := svc.pubkeySF.Do(sessionID, func() (interface{}, error) {
		payload, err := protocol.BuildRequest("", protocol.MethodGetPublicKey, nil)
		if err != nil {
			return "", err
		}
		resp, err := svc.queue.Enqueue(ctx, sess, payload)
		if err != nil {
			return "", err
		}
		if resp.Result == "" {
			return "", nerr.New(nerr.KindProtocol, "nip46.FetchUserPublicKey", fmt.Errorf("empty get_public_key result"))
		}
		if err := svc.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
			s.UserPubkey = resp.Result
			return true
		}); err != nil {
			return "", err
		}
		return resp.Result, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func fromPairingMetadata(m pairing.Metadata) session.Metadata {
	return session.Metadata{Name: m.Name, URL: m.URL, Image: m.Image, Description: m.Description}
}

func toPairingMetadata(m session.Metadata) pairing.Metadata {
	return pairing.Metadata{Name: m.Name, URL: m.URL, Image: m.Image, Description: m.Description}
}
