// Package socket maintains the single bidirectional channel between the
// support console and the marketplace chat backend. It handles connect,
// intentional teardown, automatic reconnect with linear backoff, and exposes
// connection-state queries. There is exactly one Manager per operator session.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/fixmate/support-console/internal/metrics"
	"github.com/fixmate/support-console/internal/protocol"
)

// ErrNotConnected is returned by Send when the channel is down. The send is
// dropped, not queued; callers log and move on.
var ErrNotConnected = errors.New("socket: not connected")

// Config holds tunable parameters for the channel.
type Config struct {
	URL            string        // WebSocket endpoint, e.g. ws://localhost:8080/support
	Token          string        // auth credential attached as a connection parameter
	DialTimeout    time.Duration // timeout for a single connection attempt
	BaseRetryDelay time.Duration // backoff unit: attempt N waits N * BaseRetryDelay
	MaxRetries     int           // reconnect attempts before giving up
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/support",
		DialTimeout:    10 * time.Second,
		BaseRetryDelay: 3 * time.Second,
		MaxRetries:     5,
	}
}

// Hooks are optional callbacks fired on connection lifecycle transitions so
// the UI can reflect channel status. Hooks are invoked without the manager's
// lock held; it is safe to call back into the Manager from a hook.
type Hooks struct {
	OnConnect          func()
	OnDisconnect       func(err error)
	OnReconnectAttempt func(attempt int)
	OnReconnectFailed  func()
}

// Manager owns the channel. State machine: Disconnected -> Connecting ->
// Connected; an unintended drop schedules reconnect attempts with linearly
// increasing delay, bounded by MaxRetries. After exhaustion the manager stays
// Disconnected until Open is called again. Explicit Close never reconnects.
type Manager struct {
	config  Config
	hooks   Hooks
	onFrame func(data []byte)

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closing   bool
	attempts  int
	sessionID string
	gen       int // connection generation; stale read loops are ignored
	retry     *time.Timer
}

// NewManager creates a Manager. onFrame is called from the read goroutine for
// every inbound text frame; it must not block for extended periods.
func NewManager(config Config, hooks Hooks, onFrame func(data []byte)) *Manager {
	return &Manager{
		config:  config,
		hooks:   hooks,
		onFrame: onFrame,
	}
}

// Open establishes the channel, attaching the auth token and session identity
// as connection parameters. It is a no-op (logged) when already connected.
// A failed dial is subject to the same reconnect policy as a dropped
// connection; the error is returned for visibility but recovery is automatic.
func (m *Manager) Open(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		log.Printf("socket: open ignored, channel already connected")
		return nil
	}
	m.closing = false
	m.attempts = 0
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.sessionID = sessionID
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		log.Printf("socket: initial connect failed: %v", err)
		m.mu.Lock()
		exhausted := m.scheduleRetryLocked()
		m.mu.Unlock()
		if exhausted && m.hooks.OnReconnectFailed != nil {
			m.hooks.OnReconnectFailed()
		}
		return err
	}
	return nil
}

// Close tears the channel down intentionally. Reconnect counters are reset
// and no reconnection is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	m.attempts = 0
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	metrics.ConnectionUp.Set(0)
	log.Printf("socket: closed")
}

// IsConnected reports the current connection status.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Send emits a named event with a payload on the channel. When the channel is
// down it returns ErrNotConnected and the send is dropped, not queued. The
// lock serializes outbound frames so concurrent senders do not interleave.
func (m *Manager) Send(event string, payload interface{}) error {
	data, err := protocol.NewClientEvent(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.connected || m.conn == nil {
		m.mu.Unlock()
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		log.Printf("socket: send %q dropped: not connected", event)
		return ErrNotConnected
	}
	err = wsutil.WriteClientMessage(m.conn, ws.OpText, data)
	m.mu.Unlock()

	if err != nil {
		log.Printf("socket: write %q failed: %v", event, err)
		return fmt.Errorf("socket: write %q: %w", event, err)
	}
	return nil
}

// dial performs a single connection attempt bounded by DialTimeout and, on
// success, starts the read loop for the new connection generation.
func (m *Manager) dial(ctx context.Context) error {
	u, err := url.Parse(m.config.URL)
	if err != nil {
		return fmt.Errorf("socket: invalid URL %q: %w", m.config.URL, err)
	}
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	q := u.Query()
	q.Set("token", m.config.Token)
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(dctx, u.String())
	if err != nil {
		return fmt.Errorf("socket: dial: %w", err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("socket: closed during dial")
	}
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	metrics.ConnectionUp.Set(1)
	log.Printf("socket: connected to %s", m.config.URL)
	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect()
	}

	go m.readLoop(conn, gen)
	return nil
}

// readLoop continuously reads text frames and hands them to onFrame. Control
// frames (ping/pong/close) are handled inside wsutil. The loop exits on any
// read error, which is treated as a transport-level drop.
func (m *Manager) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

// handleDrop processes an unintended disconnect: reflects the state change,
// notifies hooks, and schedules the first reconnect attempt. Drops reported
// by a stale read loop (superseded generation) or during Close are ignored.
func (m *Manager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closing {
		m.mu.Unlock()
		return
	}
	m.connected = false
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	exhausted := m.scheduleRetryLocked()
	m.mu.Unlock()

	metrics.ConnectionUp.Set(0)
	log.Printf("socket: connection dropped: %v", err)
	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(err)
	}
	if exhausted && m.hooks.OnReconnectFailed != nil {
		m.hooks.OnReconnectFailed()
	}
}

// scheduleRetryLocked increments the attempt counter and arms the backoff
// timer for the next reconnect. Attempt N fires after N * BaseRetryDelay.
// Returns true when the attempt budget is exhausted. Caller must hold m.mu.
func (m *Manager) scheduleRetryLocked() bool {
	m.attempts++
	if m.attempts > m.config.MaxRetries {
		log.Printf("socket: giving up after %d reconnect attempts", m.config.MaxRetries)
		return true
	}

	attempt := m.attempts
	delay := time.Duration(attempt) * m.config.BaseRetryDelay
	log.Printf("socket: reconnect attempt %d/%d in %s", attempt, m.config.MaxRetries, delay)
	m.retry = time.AfterFunc(delay, func() {
		m.reconnect(attempt)
	})
	return false
}

// reconnect is the backoff timer callback for a single reconnect attempt.
func (m *Manager) reconnect(attempt int) {
	m.mu.Lock()
	if m.closing || m.connected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	metrics.ReconnectAttemptsTotal.Inc()
	if m.hooks.OnReconnectAttempt != nil {
		m.hooks.OnReconnectAttempt(attempt)
	}

	if err := m.dial(context.Background()); err != nil {
		log.Printf("socket: reconnect attempt %d failed: %v", attempt, err)
		m.mu.Lock()
		exhausted := m.scheduleRetryLocked()
		m.mu.Unlock()
		if exhausted && m.hooks.OnReconnectFailed != nil {
			m.hooks.OnReconnectFailed()
		}
	}
}
