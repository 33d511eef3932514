/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-voice-go/internal/audio"
	"github.com/loqalabs/loqa-voice-go/internal/control"
)

var (
	// ErrInvalidSession is returned by Connect for an empty session id.
	ErrInvalidSession = errors.New("invalid session id")

	// ErrConnectionFailure is passed to Listener.OnClose when the connection
	// could not be opened or was lost.
	ErrConnectionFailure = errors.New("connection failure")

	// ErrChannelUsed is returned when Connect is called twice on one Channel.
	ErrChannelUsed = errors.New("channel already used")
)

// State is the connection lifecycle: Disconnected -> Connecting -> Open -> Closed.
// Closed is terminal.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener receives channel events. OnAudio and OnControl are called from a
// single reader goroutine in arrival order. OnClose is called exactly once,
// with nil for a local Close and an ErrConnectionFailure otherwise.
type Listener interface {
	OnOpen()
	OnAudio(data []byte)
	OnControl(ev control.Event)
	OnClose(err error)
}

// Metrics receives transport events
type Metrics interface {
	FrameSent()
	FrameDropped(reason string)
	MessageReceived(kind string)
	ConnectionStateChanged(state State)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent() {}
func (nopMetrics) FrameDropped(string) {}
func (nopMetrics) MessageReceived(string) {}
func (nopMetrics) ConnectionStateChanged(State) {}

// Frame drop reasons
const (
	DropNotOpen   = "not_open"
	DropQueueFull = "queue_full"
)

// Config addresses the backend
type Config struct {
	// URL is the ws:// or wss:// base; the session id is appended as a path segment.
	URL string
	// ReadLimit is the largest inbound message accepted, in bytes.
	ReadLimit int64
	// SendQueue is the number of encoded frames buffered for the writer.
	SendQueue int
}

// DefaultConfig points at a local backend
func DefaultConfig() Config {
	return Config{
		URL:       "ws://localhost:8000/ws/monica",
		ReadLimit: 4 << 20,
		SendQueue: 32,
	}
}

// Option configures a Channel
type Option func(*Channel)

// WithMetrics reports transport events to m
func WithMetrics(m Metrics) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDialOptions sets the options used to open the WebSocket
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Channel) { c.dialOpts = opts }
}

// Channel is one duplex connection to the backend for one session. Binary
// messages are audio for playback, text messages are control events, and
// captured frames go out as text envelopes.
type Channel struct {
	cfg      Config
	listener Listener
	logger   *zap.Logger
	metrics  Metrics
	dialOpts *websocket.DialOptions

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	sendq  chan []byte
}

// NewChannel creates a channel in the Disconnected state. It performs no I/O.
func NewChannel(cfg Config, listener Listener, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultConfig().SendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultConfig().ReadLimit
	}
	c := &Channel{
		cfg:      cfg,
		listener: listener,
		logger: logger.With(
			zap.String("component", "transport"),
			zap.String("conn_id", uuid.NewString()),
		),
		metrics: nopMetrics{},
		sendq:   make(chan []byte, cfg.SendQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionURL appends the escaped session id to the base URL
func SessionURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("invalid backend URL scheme %q", u.Scheme)
	}
	return u.JoinPath(url.PathEscape(sessionID)).String(), nil
}

// Connect starts opening the connection for sessionID and returns without
// waiting for it. The outcome is reported through Listener.OnOpen or OnClose.
// ctx only bounds the dial.
func (c *Channel) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}

	addr, err := SessionURL(c.cfg.URL, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrChannelUsed, state)
	}
	c.state = Connecting
	c.ctx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.ctx
	c.mu.Unlock()

	c.metrics.ConnectionStateChanged(Connecting)
	c.logger.Info("🔗 connecting to backend", zap.String("url", addr))

	go c.run(ctx, runCtx, addr)
	return nil
}

func (c *Channel) run(parent, ctx context.Context, addr string) {
	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(parent, cancelDial)
	conn, _, err := websocket.Dial(dialCtx, addr, c.dialOpts)
	stop()
	cancelDial()
	if err != nil {
		c.finish(fmt.Errorf("%w: dial %s: %w", ErrConnectionFailure, addr, err))
		return
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.state != Connecting {
		// Closed while dialing.
		c.mu.Unlock()
		_ = conn.CloseNow() // Connection was never handed out
		return
	}
	c.state = Open
	c.conn = conn
	c.mu.Unlock()

	c.metrics.ConnectionStateChanged(Open)
	c.logger.Info("✅ connected to backend")

	go c.writeLoop(ctx, conn)
	c.listener.OnOpen()
	c.readLoop(ctx, conn)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.finish(fmt.Errorf("%w: %w", ErrConnectionFailure, err))
			return
		}
		if c.State() != Open {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.metrics.MessageReceived("audio")
			c.listener.OnAudio(data)
		case websocket.MessageText:
			ev, err := control.ParseEvent(data)
			if err != nil {
				c.metrics.MessageReceived("malformed")
				c.logger.Debug("discarding text message", zap.Error(err), zap.Int("bytes", len(data)))
				continue
			}
			c.metrics.MessageReceived("control")
			c.listener.OnControl(ev)
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.sendq:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.finish(fmt.Errorf("%w: write: %w", ErrConnectionFailure, err))
				return
			}
			c.metrics.FrameSent()
		}
	}
}

// Send queues frame for transmission. Frames are dropped, not buffered, when the
// channel is not Open or the writer is behind; Send never blocks.
func (c *Channel) Send(frame audio.Frame) {
	c.mu.Lock()
	open := c.state == Open
	c.mu.Unlock()

	if !open {
		c.metrics.FrameDropped(DropNotOpen)
		return
	}

	data, err := EncodeEnvelope(frame)
	if err != nil {
		c.logger.Warn("⚠️ failed to encode frame", zap.Error(err))
		return
	}

	select {
	case c.sendq <- data:
	default:
		c.metrics.FrameDropped(DropQueueFull)
		c.logger.Debug("send queue full, dropping frame")
	}
}

// Close moves the channel to Closed and runs the listener's teardown before
// returning. Calling it again has no effect.
func (c *Channel) Close() {
	c.finish(nil)
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// finish performs the single transition into Closed
func (c *Channel) finish(cause error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = Closed
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	c.metrics.ConnectionStateChanged(Closed)
	if cause != nil {
		c.logger.Error("❌ connection closed", zap.Stringer("from", prev), zap.Error(cause))
	} else {
		c.logger.Info("🔗 connection closed", zap.Stringer("from", prev))
	}

	if c.listener != nil {
		c.listener.OnClose(cause)
	}

	if conn != nil && cause == nil {
		if err := conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			c.logger.Debug("close handshake incomplete", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow() // Already closed on the normal path
	}
}
