// Package client maintains the persistent WebSocket session with the chat
// backend: connecting, authenticating, heartbeating, reconnecting with
// backoff, and routing every server frame to the stream assembler, the
// conversation state and the event bus.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/plauderschnell/internal/cache"
	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/eventbus"
	"github.com/codefionn/plauderschnell/internal/logger"
	"github.com/codefionn/plauderschnell/internal/outbox"
	"github.com/codefionn/plauderschnell/internal/protocol"
	"github.com/codefionn/plauderschnell/internal/stream"
)

// ConnectionState represents the current state of the WebSocket session
type ConnectionState int

const (
	// StateDisconnected indicates the client is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the client is attempting to connect
	StateConnecting
	// StateConnected indicates the transport is up (authenticated or not)
	StateConnected
	// StateReconnecting indicates the client is attempting to reconnect
	StateReconnecting
	// StateClosed indicates the client has been closed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client is closed")

// aliasRetention is how long a redirected conversation's old id stays
// resolvable for in-flight references.
const aliasRetention = 30 * time.Second

const writeTimeout = 10 * time.Second

// Config holds client configuration
type Config struct {
	// ServerURL is the ws:// or wss:// chat endpoint
	ServerURL string
	// AuthToken is an optional bearer token sent on the handshake
	AuthToken string
	// ProjectID scopes subscriptions and sends
	ProjectID string
	// HandshakeTimeout bounds the dial plus the authentication frame wait
	HandshakeTimeout time.Duration
	// PingInterval is the interval for protocol-level ping frames
	PingInterval time.Duration
	// ReconnectEnabled enables automatic reconnection on abnormal closure
	ReconnectEnabled bool
	// MaxReconnectAttempts is the hard ceiling before giving up
	MaxReconnectAttempts int
	// ReconnectDelay is the base delay for exponential backoff
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps the backoff delay
	ReconnectMaxDelay time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerURL:            "ws://127.0.0.1:8080/ws/chat",
		HandshakeTimeout:     5 * time.Second,
		PingInterval:         30 * time.Second,
		ReconnectEnabled:     true,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
	}
}

// Client is the chat backend session.
type Client struct {
	config *Config

	chat    *chat.State
	streams *stream.Assembler
	outbox  *outbox.Queue
	cache   *cache.Store
	bus     *eventbus.Bus
	log     *logger.Logger

	// Connection
	conn          *websocket.Conn
	connMu        sync.RWMutex
	writeMu       sync.Mutex
	state         atomic.Int32 // ConnectionState
	authenticated atomic.Bool
	handshake     chan bool

	connectMu sync.Mutex

	// Frames queued while disconnected, flushed on (re)connect
	pending   [][]byte
	pendingMu sync.Mutex

	// Subscription and redirect bookkeeping
	subMu              sync.Mutex
	subProject         string
	subConversation    string
	subWanted          bool
	subscribed         bool
	activeConversation string
	aliases            map[string]string

	// Reconnection
	reconnectAttempts int
	reconnectMu       sync.Mutex
	reconnecting      atomic.Bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	closed atomic.Bool
}

// New creates a client wired to the given collaborators. The cache may be
// nil; everything else is required.
func New(config *Config, state *chat.State, streams *stream.Assembler, queue *outbox.Queue, store *cache.Store, bus *eventbus.Bus, log *logger.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if log == nil {
		log = logger.Global().WithPrefix("client")
	}

	c := &Client{
		config:  config,
		chat:    state,
		streams: streams,
		outbox:  queue,
		cache:   store,
		bus:     bus,
		log:     log,
		aliases: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
	c.state.Store(int32(StateDisconnected))

	// When a stream releases, exactly one queued message may drain.
	streams.OnIdle = func(convID, messageID string) {
		c.drainOutbox(convID)
	}

	c.wg.Add(1)
	go c.heartbeat()

	return c, nil
}

// Connect establishes the WebSocket session. It is idempotent: when already
// connected it returns nil, and concurrent callers await the same attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	switch c.getState() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	}

	c.setState(StateConnecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	header := http.Header{}
	if c.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, c.config.ServerURL, header)
	if err != nil {
		c.setState(StateDisconnected, err)
		return fmt.Errorf("failed to connect to %s: %w", c.config.ServerURL, err)
	}

	handshake := make(chan bool, 1)
	c.connMu.Lock()
	c.conn = conn
	c.handshake = handshake
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readPump(conn)

	// The server speaks first: connected or authentication_required. Either
	// resolves the connect; the Authenticated flag carries the difference.
	// Missing both within the timeout still counts as connected, since the
	// transport is up.
	select {
	case authed := <-handshake:
		c.authenticated.Store(authed)
	case <-time.After(c.config.HandshakeTimeout):
		c.log.Warn("no handshake frame within %s, proceeding unauthenticated", c.config.HandshakeTimeout)
		c.authenticated.Store(false)
	case <-ctx.Done():
		conn.Close()
		c.setState(StateDisconnected, ctx.Err())
		return ctx.Err()
	}

	c.setState(StateConnected, nil)

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	c.flushPending()
	c.resubscribe()
	return nil
}

// Close shuts the client down for good. A clean close never reconnects.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(StateClosed, nil)
	close(c.stopCh)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	return nil
}

// IsConnected returns true if the transport is up.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// Authenticated reports whether the server confirmed the session identity.
func (c *Client) Authenticated() bool {
	return c.authenticated.Load()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.getState()
}

func (c *Client) getState() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(state ConnectionState, err error) {
	old := c.getState()
	if old == StateClosed && state != StateClosed {
		return
	}
	c.state.Store(int32(state))
	if old != state && c.bus != nil {
		c.bus.Publish(eventbus.ConnectionStateChanged{
			State:         state.String(),
			Authenticated: c.authenticated.Load(),
			Err:           err,
		})
	}
}

// readPump reads frames from one connection until it dies.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(err)
			return
		}

		frame, err := protocol.DecodeServer(data)
		if err != nil {
			// Malformed or unknown frames are logged and dropped.
			c.log.Warn("dropping undecodable frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

// heartbeat sends a protocol ping on a fixed interval while connected.
// Liveness comes from the transport close, not from pong timing.
func (c *Client) heartbeat() {
	defer c.wg.Done()

	interval := c.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}
			if err := c.sendFrame(protocol.Ping{}); err != nil {
				c.log.Debug("heartbeat failed: %v", err)
			}
		}
	}
}

// handleConnectionError tears down the current connection and, for abnormal
// closures, kicks off the reconnect loop.
func (c *Client) handleConnectionError(err error) {
	if c.closed.Load() {
		return
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.authenticated.Store(false)
	c.subMu.Lock()
	c.subscribed = false
	c.subMu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("connection closed by server")
		c.setState(StateDisconnected, nil)
		return
	}

	c.log.Warn("connection lost: %v", err)
	c.setState(StateDisconnected, err)

	if c.config.ReconnectEnabled && c.reconnecting.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop retries with exponential backoff until it succeeds, the
// client closes, or the attempt ceiling is hit.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	for {
		c.reconnectMu.Lock()
		attempt := c.reconnectAttempts
		if attempt >= c.config.MaxReconnectAttempts {
			c.reconnectMu.Unlock()
			c.log.Error("giving up after %d reconnect attempts", attempt)
			c.bus.Publish(eventbus.ReconnectGaveUp{Attempts: attempt})
			return
		}
		c.reconnectAttempts++
		c.reconnectMu.Unlock()

		delay := backoffDelay(c.config.ReconnectDelay, attempt, c.config.ReconnectMaxDelay)
		c.log.Info("reconnect attempt %d/%d in %s", attempt+1, c.config.MaxReconnectAttempts, delay)

		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		c.setState(StateReconnecting, nil)

		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout+writeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
	}
}

// backoffDelay computes base*2^attempt capped at max.
func backoffDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		delay = max
	}
	return delay
}

// sendFrame encodes and sends one client frame. While disconnected the frame
// is parked and flushed after the next successful connect.
func (c *Client) sendFrame(f protocol.ClientFrame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.EncodeClient(f)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Client) write(data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil || c.getState() != StateConnected {
		c.pendingMu.Lock()
		c.pending = append(c.pending, data)
		c.pendingMu.Unlock()
		c.log.Debug("parked frame while disconnected (%d waiting)", len(c.pending))
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// flushPending sends everything parked while disconnected, in order.
func (c *Client) flushPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, data := range pending {
		if err := c.write(data); err != nil {
			c.log.Warn("failed to flush parked frame: %v", err)
			return
		}
	}
	if len(pending) > 0 {
		c.log.Info("flushed %d parked frames", len(pending))
	}
}

// resubscribe re-issues the last wanted subscription after a reconnect.
func (c *Client) resubscribe() {
	c.subMu.Lock()
	wanted := c.subWanted
	project, conversation := c.subProject, c.subConversation
	c.subMu.Unlock()

	if !wanted {
		return
	}
	if err := c.sendFrame(protocol.Subscribe{ProjectID: project, ConversationID: conversation}); err != nil {
		c.log.Warn("failed to resubscribe: %v", err)
	}
}

// resolve maps a possibly redirected conversation id to its current id.
func (c *Client) resolve(convID string) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if newID, ok := c.aliases[convID]; ok {
		return newID
	}
	return convID
}

func (c *Client) projectID() string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subProject != "" {
		return c.subProject
	}
	return c.config.ProjectID
}
