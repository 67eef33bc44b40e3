// Package queue handles per-request correlation, timeout, and the state
// machine that drives a session through pairing, active, and revoked as
// responses (and signer-initiated connect requests) arrive. Follows the
// sendRequest/sendToRelay correlation loop (nip46.go) and
// singleflight.go's request-coalescing habits, generalized from a single
// blocking relay loop into a timer-owning in-flight map over an arbitrary
// Transport.
package queue

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bloomsignal/nip46/envelope"
	"github.com/bloomsignal/nip46/nerr"
	"github.com/bloomsignal/nip46/pairing"
	"github.com/bloomsignal/nip46/protocol"
	"github.com/bloomsignal/nip46/session"
	"github.com/bloomsignal/nip46/transport"
)

// DefaultTimeout is the request timeout used when no Option overrides it.
const DefaultTimeout = 60 * time.Second

// subscribeSinceSkewSeconds is the rewind applied to the subscription
// filter's since so a rebuild never misses an event that landed just
// before the oldest relevant timestamp.
const subscribeSinceSkewSeconds = 30

// Transport is the minimal publish/subscribe capability the dispatcher
// consumes: the core itself is transport-agnostic and never imports
// package transport's websocket internals directly through this
// interface — only its wire types.
type Transport interface {
	Publish(ctx context.Context, relays []string, evt transport.Event) error
	Subscribe(ctx context.Context, relays []string, filters []transport.Filter, handler transport.Handler) (unsubscribe func(), err error)
}

type inflightRecord struct {
	resolve func(protocol.ResponsePayload)
	reject  func(error)
	timer   *time.Timer
}

type result struct {
	resp protocol.ResponsePayload
	err  error
}

// Queue is the request queue / dispatcher. It exclusively owns
// the pending and in-flight maps; the session manager owns everything
// about session state itself, reached only through its Update/SetActive
// API so listeners always observe a consistent snapshot.
type Queue struct {
	manager   *session.Manager
	transport Transport
	timeout   time.Duration
	metrics   *Metrics
	logger    *slog.Logger

	mu           sync.Mutex
	pending      map[string]*session.PendingRequest
	inflight     map[string]*inflightRecord
	relaySub     func()
	managerUnsub func()
	rebuildCh    chan session.Snapshot
	rebuildDone  chan struct{}
	destroyOnce  sync.Once
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithTimeout overrides the default 60s per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) { q.timeout = d }
}

// WithMetrics attaches a Prometheus metrics bundle; without this option the
// queue records into an unregistered no-op bundle.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger overrides the package-level default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New constructs a Queue over manager and t. Call Init to start the relay
// subscription; call Destroy to tear everything down.
func New(manager *session.Manager, t Transport, opts ...Option) *Queue {
	q := &Queue{
		manager:     manager,
		transport:   t,
		timeout:     DefaultTimeout,
		metrics:     noopMetrics(),
		logger:      slog.Default(),
		pending:     make(map[string]*session.PendingRequest),
		inflight:    make(map[string]*inflightRecord),
		rebuildCh:   make(chan session.Snapshot, 1),
		rebuildDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Init subscribes to session-set changes and rebuilds the relay
// subscription whenever they occur. The session manager invokes the
// OnChange listener synchronously from emit, so the listener only hands the
// snapshot to a single dedicated rebuild goroutine (latest-snapshot-wins)
// rather than blocking Upsert/Update/SetActive on relay I/O or letting
// concurrent rebuilds race each other.
func (q *Queue) Init(ctx context.Context) {
	q.mu.Lock()
	select {
	case <-q.rebuildDone:
		// A previous Destroy stopped the worker; start a fresh one.
		q.rebuildDone = make(chan struct{})
		q.destroyOnce = sync.Once{}
	default:
	}
	q.mu.Unlock()
	go q.rebuildWorker(ctx)
	unsub := q.manager.OnChange(func(snap session.Snapshot) {
		select {
		case q.rebuildCh <- snap:
		default:
			select {
			case <-q.rebuildCh:
			default:
			}
			q.rebuildCh <- snap
		}
	})
	q.mu.Lock()
	q.managerUnsub = unsub
	q.mu.Unlock()
}

func (q *Queue) rebuildWorker(ctx context.Context) {
	for {
		select {
		case <-q.rebuildDone:
			return
		case snap := <-q.rebuildCh:
			q.rebuildSubscription(ctx, snap)
		}
	}
}

// Destroy shuts the queue down: every in-flight record is removed and its
// timer cancelled without rejecting, and the relay subscription and
// manager listener are both torn down.
func (q *Queue) Destroy() {
	q.mu.Lock()
	relaySub := q.relaySub
	managerUnsub := q.managerUnsub
	q.relaySub = nil
	q.managerUnsub = nil
	for id, inf := range q.inflight {
		inf.timer.Stop()
		delete(q.inflight, id)
	}
	for id := range q.pending {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if relaySub != nil {
		relaySub()
	}
	if managerUnsub != nil {
		managerUnsub()
	}
	q.destroyOnce.Do(func() { close(q.rebuildDone) })
}

func sessionRelevantMs(s session.Session) int64 {
	if s.LastSeenAt != nil {
		return s.LastSeenAt.UnixMilli()
	}
	return s.UpdatedAt.UnixMilli()
}

func (q *Queue) rebuildSubscription(ctx context.Context, snap session.Snapshot) {
	q.mu.Lock()
	old := q.relaySub

	if len(snap.Sessions) == 0 {
		q.relaySub = nil
		q.mu.Unlock()
		if old != nil {
			old()
		}
		return
	}

	pubkeys := make([]string, 0, len(snap.Sessions))
	relaySet := make(map[string]bool)
	relays := make([]string, 0, 4)
	var minMs int64 = -1
	for _, s := range snap.Sessions {
		pubkeys = append(pubkeys, s.ClientPublicKey)
		for _, r := range s.Relays {
			if !relaySet[r] {
				relaySet[r] = true
				relays = append(relays, r)
			}
		}
		if ts := sessionRelevantMs(s); minMs == -1 || ts < minMs {
			minMs = ts
		}
	}
	for _, p := range q.pending {
		ts := p.CreatedAt.UnixMilli()
		if p.LastSentAt != nil {
			ts = p.LastSentAt.UnixMilli()
		}
		if minMs == -1 || ts < minMs {
			minMs = ts
		}
	}
	if minMs == -1 {
		minMs = time.Now().UnixMilli()
	}
	since := minMs/1000 - subscribeSinceSkewSeconds
	if since < 0 {
		since = 0
	}
	q.mu.Unlock()

	if old != nil {
		old()
	}

	filters := []transport.Filter{{
		Kinds: []int{transport.Kind24133},
		Tags:  map[string][]string{"p": pubkeys},
		Since: since,
	}}

	unsub, err := q.transport.Subscribe(ctx, relays, filters, func(evt transport.Event) {
		q.handleIncoming(ctx, evt)
	})
	if err != nil {
		q.logger.Warn("queue: subscribe failed", "error", err)
		return
	}

	q.mu.Lock()
	q.relaySub = unsub
	q.mu.Unlock()
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// Enqueue requires a known remote signer pubkey, marks pendingRelays,
// encrypts+signs+publishes, and blocks the caller until the matching
// response arrives, the timer fires, or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, sess session.Session, payload protocol.RequestPayload) (protocol.ResponsePayload, error) {
	if sess.RemoteSignerPubkey == "" {
		return protocol.ResponsePayload{}, nerr.New(nerr.KindProtocol, "queue.Enqueue", nerr.ErrSignerUnknown)
	}

	pr := &session.PendingRequest{
		ID:        payload.ID,
		Method:    payload.Method,
		SessionID: sess.ID,
		CreatedAt: time.Now(),
		State:     session.PendingStatePending,
		Payload:   payload,
	}

	resultCh := make(chan result, 1)
	inf := &inflightRecord{
		resolve: func(r protocol.ResponsePayload) { resultCh <- result{resp: r} },
		reject:  func(err error) { resultCh <- result{err: err} },
	}

	q.mu.Lock()
	q.pending[pr.ID] = pr
	q.inflight[pr.ID] = inf
	q.mu.Unlock()
	q.metrics.Inflight.Inc()

	inf.timer = time.AfterFunc(q.timeout, func() { q.onTimeout(pr.ID) })

	if err := q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
		s.PendingRelays = s.Relays
		return true
	}); err != nil {
		q.dropInflight(pr.ID)
		return protocol.ResponsePayload{}, err
	}

	envCtx := envelope.Context{
		LocalPrivateKey: mustDecodeHex(sess.ClientPrivateKey),
		RemotePublicKey: sess.RemoteSignerPubkey,
		Algorithm:       sess.Algorithm,
	}
	ciphertext, err := protocol.EncodeRequest(payload, envCtx)
	if err != nil {
		q.dropInflight(pr.ID)
		return protocol.ResponsePayload{}, err
	}

	evt, err := transport.BuildRequestEvent(sess.ClientPrivateKey, sess.ClientPublicKey, sess.RemoteSignerPubkey, ciphertext)
	if err != nil {
		q.dropInflight(pr.ID)
		return protocol.ResponsePayload{}, err
	}

	if err := q.transport.Publish(ctx, sess.Relays, evt); err != nil {
		q.dropInflight(pr.ID)
		msg := err.Error()
		_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
			s.LastError = &msg
			if strings.Contains(msg, nerr.ErrRelayNotConnected.Error()) {
				s.Status = session.StatusPairing
			}
			return true
		})
		return protocol.ResponsePayload{}, err
	}

	q.metrics.Sent.Inc()
	now := time.Now()
	q.mu.Lock()
	pr.State = session.PendingStateSent
	pr.LastSentAt = &now
	q.mu.Unlock()

	_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
		s.PendingRelays = nil
		return true
	})

	select {
	case res := <-resultCh:
		if res.err != nil {
			return protocol.ResponsePayload{}, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		return protocol.ResponsePayload{}, ctx.Err()
	}
}

// dropInflight removes a still-pending request without settling the
// caller's channel; used only from Enqueue's own synchronous failure paths,
// which return the error directly.
func (q *Queue) dropInflight(id string) {
	q.mu.Lock()
	inf, ok := q.inflight[id]
	if ok {
		inf.timer.Stop()
		delete(q.inflight, id)
	}
	delete(q.pending, id)
	q.mu.Unlock()
	if ok {
		q.metrics.Inflight.Dec()
	}
}

func (q *Queue) onTimeout(id string) {
	q.mu.Lock()
	inf, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, id)
	pr := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()

	q.metrics.Inflight.Dec()
	q.metrics.Settled.WithLabelValues("timeout").Inc()
	if pr != nil {
		pr.State = session.PendingStateExpired
	}
	inf.reject(nerr.New(nerr.KindProtocol, "queue.onTimeout", nerr.ErrTimeout))
}

func (q *Queue) restartTimer(id string) {
	q.mu.Lock()
	inf, ok := q.inflight[id]
	q.mu.Unlock()
	if ok {
		inf.timer.Reset(q.timeout)
	}
}

// handleIncoming is the incoming-event entry point: locate the
// session by the event's p-tag, then dispatch on the plaintext shape. A
// request payload always carries a "method" field that a response payload
// never does, so that field's presence (not a try-then-fallback on decode
// error) is what distinguishes a signer-initiated connect from a reply to
// our own request: ResponsePayload only requires a non-empty id, so a
// request's JSON would otherwise decode as a (nonsensical) response too.
func (q *Queue) handleIncoming(ctx context.Context, evt transport.Event) {
	if evt.Kind != transport.Kind24133 {
		return
	}
	counterparty, ok := transport.FindTag(evt, "p")
	if !ok {
		return
	}
	sess, ok := q.manager.GetSessionByClientPubkey(counterparty)
	if !ok {
		return
	}

	envCtx := envelope.Context{
		LocalPrivateKey: mustDecodeHex(sess.ClientPrivateKey),
		RemotePublicKey: evt.PubKey,
		Algorithm:       sess.Algorithm,
	}

	plaintext, err := envelope.Decrypt(evt.Content, envCtx)
	if err != nil {
		q.logger.Warn("queue: failed to decrypt incoming event", "session", sess.ID, "error", err)
		return
	}

	if strings.Contains(plaintext, `"method"`) {
		req, err := protocol.DecodeRequest(evt.Content, envCtx)
		if err != nil {
			q.logger.Warn("queue: failed to decode incoming request", "session", sess.ID, "error", err)
			return
		}
		q.handleIncomingRequest(ctx, sess, evt, envCtx, req)
		return
	}

	resp, err := protocol.DecodeResponse(evt.Content, envCtx)
	if err != nil {
		q.logger.Warn("queue: failed to decode incoming response", "session", sess.ID, "error", err)
		return
	}
	q.handleIncomingResponse(ctx, sess, evt, resp)
}

// handleIncomingResponse is the response branch,
// numbered rules 1-5.
func (q *Queue) handleIncomingResponse(ctx context.Context, sess session.Session, evt transport.Event, resp protocol.ResponsePayload) {
	q.mu.Lock()
	pr := q.pending[resp.ID]
	q.mu.Unlock()

	var pendingMethod protocol.Method
	if pr != nil {
		pendingMethod = pr.Method
	}

	// 1. Auth challenge: restart the timer, do not settle the caller.
	if resp.IsAuthChallenge() {
		challengeURL := resp.Error
		now := time.Now()
		_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
			s.Status = session.StatusPairing
			s.AuthChallengeURL = &challengeURL
			s.LastError = nil
			s.PendingRelays = nil
			s.LastSeenAt = &now
			return true
		})
		if pr != nil {
			pr.State = session.PendingStateChallenge
			q.restartTimer(resp.ID)
		}
		return
	}

	// 2. Secret-validation handling. "ack" is the standard NIP-46 success
	// token, so any non-empty result (not just a literal echo of the
	// secret) signals the signer accepted it. A connect response only
	// fails secret validation when it carries an explicit error naming
	// the secret (mirroring the "invalid_secret" reply handleIncomingRequest
	// sends on the signer-initiated path) — an ordinary unrelated error
	// falls through to the plain pairing-error status below instead of
	// revoking the session.
	secretConsumed := false
	secretFailure := false
	if sess.PairingSecret != "" {
		switch {
		case resp.Result == sess.PairingSecret:
			secretConsumed = true
		case resp.Result != "":
			secretConsumed = true
		case pendingMethod == protocol.MethodConnect && resp.Error != "" && strings.Contains(strings.ToLower(resp.Error), "secret"):
			secretFailure = true
		}
	}

	// 3. Already-connected tolerance.
	effectiveError := resp.Error
	if effectiveError != "" && pairing.MatchesAlreadyConnected(effectiveError) {
		if pendingMethod == protocol.MethodConnect || (pendingMethod == "" && sess.Status == session.StatusActive) {
			effectiveError = ""
		}
	}

	// 4. Status transition.
	var newStatus session.Status
	var lastErrMsg *string
	switch {
	case secretFailure:
		newStatus = session.StatusRevoked
		msg := "Remote signer failed secret validation"
		lastErrMsg = &msg
	case effectiveError != "":
		newStatus = session.StatusPairing
		lastErrMsg = &effectiveError
	default:
		newStatus = session.StatusActive
	}

	now := time.Now()
	_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
		s.Status = newStatus
		s.LastSeenAt = &now
		s.AuthChallengeURL = nil
		s.PendingRelays = nil
		s.LastError = lastErrMsg
		if secretConsumed {
			s.PairingSecret = ""
		}
		if s.RemoteSignerPubkey == "" {
			s.RemoteSignerPubkey = evt.PubKey
		}
		return true
	})

	// 5. Settle, if there is a matching pending request.
	if pr == nil {
		return
	}

	q.mu.Lock()
	inf, ok := q.inflight[resp.ID]
	if ok {
		inf.timer.Stop()
		delete(q.inflight, resp.ID)
	}
	delete(q.pending, resp.ID)
	q.mu.Unlock()
	if !ok {
		return
	}
	q.metrics.Inflight.Dec()

	if secretFailure {
		pr.State = session.PendingStateError
		q.metrics.Settled.WithLabelValues("error").Inc()
		inf.reject(nerr.New(nerr.KindProtocol, "queue.handleIncomingResponse", nerr.ErrSecretValidationFailed))
		return
	}
	if effectiveError != "" {
		pr.State = session.PendingStateError
		q.metrics.Settled.WithLabelValues("error").Inc()
		inf.reject(fmt.Errorf("%s", effectiveError))
		return
	}
	out := resp
	out.Error = effectiveError
	pr.State = session.PendingStateResolved
	pr.Response = &out
	q.metrics.Settled.WithLabelValues("resolved").Inc()
	inf.resolve(out)
}

// handleIncomingRequest is the request branch: only a
// signer-initiated connect is accepted, everything else gets
// "unsupported_method".
func (q *Queue) handleIncomingRequest(ctx context.Context, sess session.Session, evt transport.Event, envCtx envelope.Context, req protocol.RequestPayload) {
	if req.Method != protocol.MethodConnect {
		q.reply(ctx, sess, envCtx, req.ID, "", "unsupported_method")
		return
	}

	if sess.PairingSecret != "" && len(req.Params) > 1 && req.Params[1] != "" && req.Params[1] != sess.PairingSecret {
		msg := "Signer failed secret validation"
		_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
			s.Status = session.StatusRevoked
			s.LastError = &msg
			return true
		})
		q.reply(ctx, sess, envCtx, req.ID, "", "invalid_secret")
		return
	}

	result := "ack"
	if sess.PairingSecret != "" {
		result = sess.PairingSecret
	}

	var updated session.Session
	_ = q.manager.Update(ctx, sess.ID, func(s *session.Session) bool {
		s.Status = session.StatusActive
		s.PairingSecret = ""
		s.LastError = nil
		if s.RemoteSignerPubkey == "" {
			s.RemoteSignerPubkey = evt.PubKey
		}
		updated = *s
		return true
	})

	q.reply(ctx, sess, envCtx, req.ID, result, "")
	_ = q.manager.SetActive(ctx, updated.ID)

	if updated.UserPubkey == "" && updated.HasPermission("get_public_key") && updated.RemoteSignerPubkey != "" {
		go q.autoFetchUserPubkey(updated)
	}
}

func (q *Queue) autoFetchUserPubkey(sess session.Session) {
	payload, err := protocol.BuildRequest("", protocol.MethodGetPublicKey, nil)
	if err != nil {
		return
	}
	resp, err := q.Enqueue(context.Background(), sess, payload)
	if err != nil {
		q.logger.Warn("queue: auto get_public_key failed", "session", sess.ID, "error", err)
		return
	}
	if resp.Result == "" {
		return
	}
	_ = q.manager.Update(context.Background(), sess.ID, func(s *session.Session) bool {
		s.UserPubkey = resp.Result
		return true
	})
}

func (q *Queue) reply(ctx context.Context, sess session.Session, envCtx envelope.Context, id, result, errMsg string) {
	payload := protocol.ResponsePayload{ID: id, Result: result, Error: errMsg}
	ciphertext, err := protocol.EncodeResponse(payload, envCtx)
	if err != nil {
		q.logger.Warn("queue: encode reply failed", "session", sess.ID, "error", err)
		return
	}
	evt, err := transport.BuildRequestEvent(sess.ClientPrivateKey, sess.ClientPublicKey, envCtx.RemotePublicKey, ciphertext)
	if err != nil {
		q.logger.Warn("queue: build reply event failed", "session", sess.ID, "error", err)
		return
	}
	if err := q.transport.Publish(ctx, sess.Relays, evt); err != nil {
		q.logger.Warn("queue: publish reply failed", "session", sess.ID, "error", err)
	}
}
