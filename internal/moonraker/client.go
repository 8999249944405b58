// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

// Package moonraker implements the JSON-RPC 2.0 over WebSocket client
// for Moonraker, the Klipper API server, plus the connection manager
// that keeps one live connection alive across printer outages.
package moonraker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/probeworks/bedsync/internal/logging"
)

// ErrDisconnected is returned by Call when the transport dropped before
// a response arrived.
var ErrDisconnected = errors.New("moonraker: connection lost")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// readTimeout bounds how long the read loop waits for any frame.
	// Pongs from the keepalive ping extend the deadline, so an idle but
	// healthy connection never trips it.
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	// notificationBuffer absorbs bursts of gcode responses while the
	// consumer is busy. Overflow is dropped, not blocked on: a missed
	// trigger is recovered by the periodic sync.
	notificationBuffer = 64
)

// Client is a single WebSocket connection to Moonraker. It correlates
// request/response pairs by ID and surfaces server notifications on a
// channel. Create one with Dial; a Client is dead once Done() closes
// and is not reused.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serializes writes (gorilla allows one writer)

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcEnvelope
	nextID    int64

	notifications chan Notification

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the Moonraker WebSocket endpoint and starts the read
// and keepalive loops.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck // response body close
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	c := &Client{
		conn:          conn,
		pending:       make(map[int64]chan *rpcEnvelope),
		notifications: make(chan Notification, notificationBuffer),
		done:          make(chan struct{}),
	}

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Call sends a JSON-RPC request and waits for the matching response.
// It returns the raw result payload, the server's RPC error, or a
// transport error (ErrDisconnected if the connection died mid-call).
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	respCh := make(chan *rpcEnvelope, 1)

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := c.writeJSON(&req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case env := <-respCh:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-c.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notifications returns the stream of server-initiated events. The
// channel is never closed; consumers should also select on Done().
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the connection is lost or Close is called. This
// is the explicit transport-level disconnect signal the connection
// manager watches.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. Safe to call more than once and
// concurrently with in-flight calls, which fail with ErrDisconnected.
func (c *Client) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

// writeJSON marshals and writes one frame under the write lock.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection fails, routing responses
// to pending calls and notifications to the consumer channel.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Msg("Moonraker closed the connection")
			} else {
				logging.Debug().Err(err).Msg("Moonraker read failed")
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage parses one frame and dispatches it.
func (c *Client) handleMessage(data []byte) {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warn().Err(err).Msg("Unparseable Moonraker message")
		return
	}

	if env.ID != nil {
		c.pendingMu.Lock()
		respCh, ok := c.pending[*env.ID]
		c.pendingMu.Unlock()
		if !ok {
			// Response to an abandoned call.
			return
		}
		respCh <- &env
		return
	}

	if env.Method == "" {
		return
	}
	select {
	case c.notifications <- Notification{Method: env.Method, Params: env.Params}:
	default:
		logging.Debug().Str("method", env.Method).Msg("Notification buffer full, dropping")
	}
}

// pingLoop keeps the connection alive and the read deadline honest.
func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				logging.Debug().Err(err).Msg("Moonraker ping failed")
				c.shutdown()
				return
			}
		}
	}
}

// shutdown closes the socket and signals Done exactly once.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}
