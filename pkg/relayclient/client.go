// Package relayclient is an outbound WebSocket peer for a hashkitty relay.
// It joins a room on every (re)connect and hands received envelopes to a
// handler.
package relayclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("relayclient: not connected")

// MessageHandler processes envelopes relayed to this peer.
type MessageHandler func(env protocol.Envelope) error

// Config configures a Client.
type Config struct {
	URL  string // e.g. ws://localhost:5001/ws
	Room string // joined on every connect; empty skips the join
	// ReconnectInterval is the delay between connection attempts. Zero
	// disables reconnecting: Connect returns after the first disconnect.
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration // default 10s
	TLSSkipVerify     bool
}

// Client manages one WebSocket connection to the relay.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{} // closed while a connection is open
}

// New creates a relay client.
func New(cfg Config, handler MessageHandler, logger *slog.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With("component", "relay-client"),
		connected: make(chan struct{}),
	}
}

// Connect dials the relay and processes messages. It blocks until ctx is
// canceled, or until the first disconnect when reconnecting is disabled.
func (c *Client) Connect(ctx context.Context) error {
	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.cfg.ReconnectInterval <= 0 {
			return err
		}
		c.logger.Warn("connection lost", "error", err)

		c.logger.Info("reconnecting", "delay", c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = conn.Close()
	})

	opened := false
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		if opened {
			c.connected = make(chan struct{})
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if c.cfg.Room != "" {
		if err := c.Send(protocol.TypeJoin, nil); err != nil {
			return fmt.Errorf("send join: %w", err)
		}
	}

	c.mu.Lock()
	close(c.connected)
	opened = true
	c.mu.Unlock()
	c.logger.Info("connected to relay", "url", c.cfg.URL, "room", c.cfg.Room)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		env, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn("invalid message from relay", "error", err)
			continue
		}

		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

// Connected returns a channel closed once the current connection has joined
// its room.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send encodes payload as the envelope's nested payload string and writes it
// with the configured room.
func (c *Client) Send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, c.cfg.Room, payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes a pre-encoded frame.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
