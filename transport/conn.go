package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type subscription struct {
	id        string
	handler   Handler
	onClose   func()
	closeOnce sync.Once
}

func newSubscription(id string, handler Handler) *subscription {
	return &subscription{id: id, handler: handler}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// relayConn manages one websocket connection shared by every subscription
// open on that relay (adapted from relay_pool.go's RelayConn).
type relayConn struct {
	conn     *websocket.Conn
	relayURL string

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
	activity      time.Time
}

func newRelayConn(conn *websocket.Conn, relayURL string) *relayConn {
	return &relayConn{
		conn:          conn,
		relayURL:      relayURL,
		subscriptions: make(map[string]*subscription),
		activity:      time.Now(),
	}
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) subscriptionCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.subscriptions)
}

func (rc *relayConn) lastActivity() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.activity
}

func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
	for _, sub := range rc.subscriptions {
		sub.close()
	}
	rc.subscriptions = make(map[string]*subscription)
}

func (rc *relayConn) readLoop() {
	defer rc.markClosed()
	for {
		var msg []json.RawMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				slog.Debug("relay read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.activity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var evt Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				continue
			}
			if !VerifySignature(evt) {
				slog.Warn("dropping event with invalid signature", "relay", rc.relayURL)
				continue
			}

			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			rc.mu.Unlock()
			if sub != nil {
				sub.handler(evt)
			}

		case "CLOSED":
			if len(msg) < 2 {
				continue
			}
			var subID string
			json.Unmarshal(msg[1], &subID)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.close()
			}

		case "NOTICE":
			if len(msg) >= 2 {
				var notice string
				json.Unmarshal(msg[1], &notice)
				slog.Debug("relay notice", "relay", rc.relayURL, "notice", notice)
			}
		}
	}
}
