// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package moonraker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/probeworks/bedsync/internal/logging"
	"github.com/probeworks/bedsync/internal/metrics"
)

// State is the connection lifecycle state owned by the Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// clientIdentity is sent with server.connection.identify so the
// connection shows up named in Moonraker's client list.
type clientIdentity struct {
	ClientName string `json:"client_name"`
	Version    string `json:"version"`
	Type       string `json:"type"`
	URL        string `json:"url"`
}

// Manager owns the single live Moonraker connection and drives the
// DISCONNECTED -> CONNECTING -> CONNECTED -> SUBSCRIBED state machine.
//
// Any failure at any stage drops back to DISCONNECTED, waits the fixed
// retry delay, and tries again, forever: a printer may be powered off
// for hours and the service must outlive that. CONNECTED is reached
// after server.connection.identify succeeds; SUBSCRIBED only after
// printer.objects.subscribe is acknowledged, which is the precondition
// for syncs to run.
//
// Disconnect detection is explicit. The manager watches the client's
// Done channel, which closes only on a transport-level failure (read
// error, close frame, missed pong) - never because a data call failed.
type Manager struct {
	url        string
	retryDelay time.Duration

	state atomic.Int32

	mu     sync.RWMutex
	client *Client

	// subscribedCh announces each newly SUBSCRIBED client to the sync
	// orchestrator. Single-slot: a stale announcement is replaced, not
	// queued, because only the latest connection matters.
	subscribedCh chan *Client
}

// NewManager creates a connection manager for the given WebSocket URL.
// retryDelay is the fixed wait between reconnect attempts.
func NewManager(url string, retryDelay time.Duration) *Manager {
	return &Manager{
		url:          url,
		retryDelay:   retryDelay,
		subscribedCh: make(chan *Client, 1),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Client returns the live client, or nil unless SUBSCRIBED.
func (m *Manager) Client() *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Subscribed delivers each client that reaches SUBSCRIBED. The channel
// holds at most the most recent one.
func (m *Manager) Subscribed() <-chan *Client {
	return m.subscribedCh
}

// Run drives the connect/subscribe/watch/reconnect loop until the
// context is canceled. It only ever returns ctx.Err().
func (m *Manager) Run(ctx context.Context) error {
	for {
		client, err := m.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("Moonraker connection failed")
			metrics.ConnectFailures.Inc()
			if !m.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		m.setClient(client)
		m.announce(client)
		logging.Info().Str("url", m.url).Msg("Moonraker connection subscribed")

		// Block until the transport reports disconnection or we shut down.
		select {
		case <-ctx.Done():
			m.setClient(nil)
			m.setState(StateDisconnected)
			_ = client.Close()
			return ctx.Err()
		case <-client.Done():
		}

		m.setClient(nil)
		m.setState(StateDisconnected)
		metrics.Disconnects.Inc()
		logging.Warn().Dur("retry_in", m.retryDelay).Msg("Moonraker connection lost")

		if !m.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// establish performs one full DISCONNECTED -> SUBSCRIBED attempt.
func (m *Manager) establish(ctx context.Context) (*Client, error) {
	m.setState(StateConnecting)

	client, err := Dial(ctx, m.url)
	if err != nil {
		m.setState(StateDisconnected)
		return nil, err
	}

	identity := clientIdentity{
		ClientName: "bedsync",
		Version:    "1.0",
		Type:       "agent",
		URL:        "https://github.com/probeworks/bedsync",
	}
	if _, err := client.Call(ctx, "server.connection.identify", identity); err != nil {
		_ = client.Close()
		m.setState(StateDisconnected)
		return nil, fmt.Errorf("identify: %w", err)
	}
	m.setState(StateConnected)

	// Subscribe to printer object updates; the acknowledgment gates the
	// SUBSCRIBED state. Gcode responses (the calibration trigger) are
	// broadcast to identified clients on the same stream.
	sub := map[string]any{"objects": map[string]any{"bed_mesh": nil}}
	if _, err := client.Call(ctx, "printer.objects.subscribe", sub); err != nil {
		_ = client.Close()
		m.setState(StateDisconnected)
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	m.setState(StateSubscribed)

	return client, nil
}

// sleep waits the fixed retry delay; false means the context ended.
func (m *Manager) sleep(ctx context.Context) bool {
	select {
	case <-time.After(m.retryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) setClient(c *Client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

// announce replaces any stale client waiting in the single slot.
func (m *Manager) announce(c *Client) {
	for {
		select {
		case m.subscribedCh <- c:
			return
		default:
			select {
			case <-m.subscribedCh:
			default:
			}
		}
	}
}
