// Package transport maintains the session channel: a websocket client that
// frames the wire protocol, dispatches inbound messages by type, and owns
// the end-of-session handshake with its HTTP fallback.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenlearn/voicekit/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024

	defaultReadyTimeout = 10 * time.Second
	defaultEndWait      = 3 * time.Second
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrReadyTimeout = errors.New("transport: timed out waiting for ready")
)

// Handler receives one inbound message. Handlers run on the read loop
// goroutine; keep them cheap or hand off.
type Handler func(env wire.Envelope)

type Config struct {
	// URL is the websocket endpoint for the session channel.
	URL string
	// EndFallbackURL, when set, is POSTed if the end handshake gets no
	// session_ended reply in time. The endpoint is idempotent server-side.
	EndFallbackURL string
	SessionID      string
	Init           wire.InitMessage
	ReadyTimeout   time.Duration
	EndWait        time.Duration
	Dialer         *websocket.Dialer
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Callbacks struct {
	// OnChannelError fires once when the channel dies out from under the
	// session. The client has already cleaned up; the session should drop
	// to text-only mode.
	OnChannelError func(err error)
}

// Client is the session channel connection. One Client per session.
type Client struct {
	cfg  Config
	cb   Callbacks
	log  *slog.Logger
	ws   *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	closed   bool
	failed   bool
	handlers map[wire.MessageType]Handler

	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}
	endedOnce sync.Once
	failOnce  sync.Once

	disconnectOnce sync.Once
	disconnected   chan struct{}
	disconnectErr  error
}

func NewClient(cfg Config, cb Callbacks) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.EndWait <= 0 {
		cfg.EndWait = defaultEndWait
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:          cfg,
		cb:           cb,
		log:          log.With("component", "transport", "session_id", cfg.SessionID),
		send:         make(chan []byte, 128),
		handlers:     make(map[wire.MessageType]Handler),
		done:         make(chan struct{}),
		ready:        make(chan struct{}),
		ended:        make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// On registers the handler for a message type. Register before Connect.
func (c *Client) On(t wire.MessageType, h Handler) {
	c.mu.Lock()
	c.handlers[t] = h
	c.mu.Unlock()
}

// Connect dials the channel, sends init and blocks until the server
// acknowledges with ready.
func (c *Client) Connect(ctx context.Context) error {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial session channel: %w", err)
	}
	c.ws = ws
	go c.readPump()
	go c.writePump()

	init := c.cfg.Init
	init.Type = wire.TypeInit
	init.SessionID = c.cfg.SessionID
	if err := c.Send(ctx, init); err != nil {
		c.teardown()
		return err
	}

	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		c.log.Info("session channel ready")
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-timer.C:
		c.teardown()
		return ErrReadyTimeout
	case <-ctx.Done():
		c.teardown()
		return ctx.Err()
	}
}

// Send queues a message. A closed or failed channel swallows the message;
// callers do not branch on connection state.
func (c *Client) Send(_ context.Context, msg any) error {
	c.mu.RLock()
	if c.closed || c.failed {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return nil
	default:
		c.log.Warn("send buffer full, dropping message")
		return nil
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil && !c.closed && !c.failed
}

// Failed reports whether the channel died on an error rather than a
// deliberate disconnect.
func (c *Client) Failed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// Disconnect runs the end handshake: send end, wait a bounded time for
// session_ended, fall back to the idempotent HTTP end endpoint, then tear
// the channel down. Concurrent calls collapse into one attempt and all
// observe its result.
func (c *Client) Disconnect(ctx context.Context) error {
	c.disconnectOnce.Do(func() {
		c.disconnectErr = c.disconnect(ctx)
		close(c.disconnected)
	})
	select {
	case <-c.disconnected:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.disconnectErr
}

func (c *Client) disconnect(ctx context.Context) error {
	defer c.teardown()

	c.mu.RLock()
	alive := c.ws != nil && !c.closed && !c.failed
	c.mu.RUnlock()
	if !alive {
		return nil
	}

	// The end beacon bypasses Send so it still goes out while the client
	// is winding down.
	end, _ := json.Marshal(wire.Envelope{Type: wire.TypeEnd})
	select {
	case c.send <- end:
	case <-c.done:
		return nil
	default:
		return c.endOverHTTP(ctx)
	}

	timer := time.NewTimer(c.cfg.EndWait)
	defer timer.Stop()
	select {
	case <-c.ended:
		c.log.Info("session ended cleanly")
		return nil
	case <-c.done:
		return nil
	case <-timer.C:
		c.log.Warn("no session_ended before deadline, falling back to HTTP")
		return c.endOverHTTP(ctx)
	case <-ctx.Done():
		return c.endOverHTTP(context.WithoutCancel(ctx))
	}
}

func (c *Client) endOverHTTP(ctx context.Context) error {
	if c.cfg.EndFallbackURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EndFallbackURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("end session over http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("end session over http: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.fail(err)
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			c.log.Error("failed to decode inbound message", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		pong, _ := json.Marshal(wire.Envelope{Type: wire.TypePong})
		select {
		case c.send <- pong:
		case <-c.done:
		}
	case wire.TypeReady:
		c.readyOnce.Do(func() { close(c.ready) })
	case wire.TypeSessionEnded:
		c.endedOnce.Do(func() { close(c.ended) })
	}

	c.mu.RLock()
	h := c.handlers[env.Type]
	c.mu.RUnlock()
	if h != nil {
		h(env)
	}
}

func (c *Client) writePump() {
	defer c.teardown()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.mu.RLock()
				closed := c.closed
				c.mu.RUnlock()
				if !closed {
					c.fail(err)
				}
				return
			}
		}
	}
}

// fail marks the channel broken and runs cleanup exactly once. The session
// keeps running in text-only mode; nothing here panics.
func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failed = true
		c.mu.Unlock()
		c.log.Error("session channel error", "error", err)
		c.teardown()
		if c.cb.OnChannelError != nil {
			c.cb.OnChannelError(err)
		}
	})
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}
}
