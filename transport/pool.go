package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bloomsignal/nip46/nerr"
)

// Handler receives events delivered by a subscription.
type Handler func(Event)

// Pool is the websocket-backed Transport adapter, adapted from
// relay_pool.go's RelayPool/RelayConn: one pooled connection per relay URL,
// idle-connection cleanup, and a best-effort fan-out publish that succeeds
// if any relay acknowledges.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	order       *rendezvous.Rendezvous

	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewPool creates an empty relay connection pool.
func NewPool() *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		stopCh:      make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Publish sends evt to every relay in relays concurrently (errgroup
// fan-out), succeeding if any relay accepts the write and failing with the
// aggregated error otherwise. An empty relays list fails immediately with
// the distinct no-relays condition.
func (p *Pool) Publish(ctx context.Context, relays []string, evt Event) error {
	if len(relays) == 0 {
		return nerr.New(nerr.KindTransport, "transport.Publish", nerr.ErrNoRelays)
	}

	ordered := p.orderRelays(evt.ID, relays)

	g, gctx := errgroup.WithContext(context.Background())
	_ = ctx
	var succeeded sync.Once
	var anyOK bool
	errs := make([]error, len(ordered))

	for i, relayURL := range ordered {
		i, relayURL := i, relayURL
		g.Go(func() error {
			if err := p.publishOne(gctx, relayURL, evt); err != nil {
				errs[i] = err
				return nil
			}
			succeeded.Do(func() { anyOK = true })
			return nil
		})
	}
	_ = g.Wait()

	if anyOK {
		return nil
	}

	agg := errors.Join(errs...)
	if agg == nil {
		agg = fmt.Errorf("publish failed on all relays")
	}
	return nerr.New(nerr.KindTransport, "transport.Publish", agg)
}

// orderRelays ranks relays deterministically by rendezvous hashing on the
// event id, so retries and repeated fan-outs prefer the same relay first
// without any central coordinator.
func (p *Pool) orderRelays(key string, relays []string) []string {
	if len(relays) <= 1 {
		return relays
	}
	rv := rendezvous.New(relays, xxhash.Sum64String)
	first := rv.Lookup(key)
	out := make([]string, 0, len(relays))
	out = append(out, first)
	for _, r := range relays {
		if r != first {
			out = append(out, r)
		}
	}
	return out
}

func (p *Pool) publishOne(ctx context.Context, relayURL string, evt Event) error {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer rc.conn.SetWriteDeadline(time.Time{})

	if err := rc.conn.WriteJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.markClosed()
		return nerr.New(nerr.KindTransport, "transport.publishOne", fmt.Errorf("%s: %w", relayURL, nerr.ErrRelayNotConnected))
	}
	return nil
}

// Subscribe opens a subscription on every relay for filters, delivering
// matching events to handler. The returned function unsubscribes from all
// relays. An empty relay list warns and returns a no-op unsubscribe.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters []Filter, handler Handler) (unsubscribe func(), err error) {
	if len(relays) == 0 {
		slog.Warn("transport.Subscribe called with no relays")
		return func() {}, nil
	}

	subID := fmt.Sprintf("nip46-%d", time.Now().UnixNano())
	var subs []*subscription

	for _, relayURL := range relays {
		sub, err := p.subscribeOne(ctx, relayURL, subID, filters, handler)
		if err != nil {
			slog.Warn("subscribe failed on relay", "relay", relayURL, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	return func() {
		for _, s := range subs {
			s.close()
		}
	}, nil
}

func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, nerr.New(nerr.KindTransport, "transport.getOrCreateConn", fmt.Errorf("relay URL blocked: unsafe destination: %s", relayURL))
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	rc = p.connections[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, nerr.New(nerr.KindTransport, "transport.getOrCreateConn", fmt.Errorf("%s: %w", relayURL, err))
	}

	rc = newRelayConn(conn, relayURL)
	p.connections[relayURL] = rc
	go rc.readLoop()
	return rc, nil
}

func (p *Pool) subscribeOne(ctx context.Context, relayURL, subID string, filters []Filter, handler Handler) (*subscription, error) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(subID, handler)
	rc.mu.Lock()
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID}
	for _, f := range filters {
		req = append(req, f)
	}

	rc.writeMu.Lock()
	err = rc.conn.WriteJSON(req)
	rc.writeMu.Unlock()
	if err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		return nil, nerr.New(nerr.KindTransport, "transport.subscribeOne", fmt.Errorf("%s: %w", relayURL, nerr.ErrRelayNotConnected))
	}

	sub.onClose = func() {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.writeMu.Lock()
		rc.conn.WriteJSON([]interface{}{"CLOSE", subID})
		rc.writeMu.Unlock()
	}
	return sub, nil
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for relayURL, rc := range p.connections {
		idle := rc.subscriptionCount() == 0 && now.Sub(rc.lastActivity()) > 2*time.Minute
		if rc.isClosed() || idle {
			rc.markClosed()
			delete(p.connections, relayURL)
		}
	}
}

// Close shuts down the pool and every pooled connection.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		defer p.mu.Unlock()
		for url, rc := range p.connections {
			rc.markClosed()
			delete(p.connections, url)
		}
	})
}

// marshalEvent returns the wire JSON encoding of evt.
func marshalEvent(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
