// Package sdk is the client library kiosk displays, consoles and tools use
// to talk to a kioskhub over its websocket protocol.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

// Version is reported to the hub as the sdkVersion registration metadata.
const Version = "1.4.0"

const (
	wsReadDeadline           = 60 * time.Second
	wsWriteDeadline          = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultRequestTimeout    = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("sdk: not connected")
	ErrClosed       = errors.New("sdk: client closed")
)

// HubError is an error frame the hub sent in reply to a request.
type HubError struct {
	Type    string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub rejected %s: %s", e.Type, e.Message)
}

// EventHandler receives the payload of a routed command event.
type EventHandler func(payload json.RawMessage)

// ErrorHandler receives hub errors that no pending request claimed.
type ErrorHandler func(err *HubError)

// Client is one device's connection to the hub. Connect once, then use
// the Direct, Storage, Status and Devices facades. Handlers run on the
// read goroutine; a panicking handler is logged and skipped.
type Client struct {
	url               string
	deviceType        string
	instanceID        string
	metadata          map[string]interface{}
	header            http.Header
	logger            *zap.Logger
	backoff           *Backoff
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	now               func() time.Time

	conn   *websocket.Conn
	connMu sync.Mutex

	handlersMu     sync.RWMutex
	eventHandlers  map[string][]EventHandler
	resetHandlers  []ResetHandler
	deviceHandlers []DevicesHandler
	errorHandlers  []ErrorHandler
	storageSubs    map[int]*storageSubscription
	nextSubID      int

	pendingMu sync.Mutex
	pending   map[string]chan *shared.Envelope

	connected chan struct{}
	connOnce  sync.Once

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Client)

// WithInstanceID fixes the instance id. Without it a random one is
// generated, stable for the life of the Client.
func WithInstanceID(id string) Option {
	return func(c *Client) { c.instanceID = id }
}

func WithMetadata(md map[string]interface{}) Option {
	return func(c *Client) {
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff overrides the default backoff configuration.
func WithBackoff(b *Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithHeartbeatInterval sets how often heartbeats are sent. Zero disables them.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHeader adds headers to the websocket handshake, e.g. Origin.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// New creates a client for deviceType. url is the hub's websocket endpoint,
// e.g. ws://hub.local:8420/ws.
func New(url, deviceType string, opts ...Option) *Client {
	c := &Client{
		url:               url,
		deviceType:        deviceType,
		metadata:          map[string]interface{}{"sdkVersion": Version},
		header:            http.Header{},
		logger:            zap.NewNop(),
		backoff:           DefaultBackoff(),
		heartbeatInterval: defaultHeartbeatInterval,
		requestTimeout:    defaultRequestTimeout,
		now:               time.Now,
		eventHandlers:     make(map[string][]EventHandler),
		storageSubs:       make(map[int]*storageSubscription),
		pending:           make(map[string]chan *shared.Envelope),
		connected:         make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.instanceID == "" {
		c.instanceID = deviceType + "-" + uuid.NewString()[:8]
	}
	return c
}

func (c *Client) DeviceType() string { return c.deviceType }

func (c *Client) InstanceID() string { return c.instanceID }

// Connect starts the reconnect loop in a background goroutine.
func (c *Client) Connect(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.connectLoop(ctx)
}

// WaitConnected blocks until the first connection is registered.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reconnect loop and closes the active connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.cancel != nil {
		<-c.done
	}
	c.failPending()
	return nil
}

func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// OnEvent registers a handler for a routed command event such as
// "timer:start".
func (c *Client) OnEvent(event string, h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandlers[event] = append(c.eventHandlers[event], h)
}

func (c *Client) OnError(h ErrorHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.errorHandlers = append(c.errorHandlers, h)
}

func (c *Client) connectLoop(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			c.logger.Info("sdk client shutting down")
			return
		}
		if err != nil {
			c.logger.Warn("hub connection lost", zap.Error(err))
		}

		wait := c.backoff.Duration()
		c.logger.Info("reconnecting",
			zap.Duration("backoff", wait),
			zap.Int("attempt", c.backoff.Attempt()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) dialAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConn()

	c.backoff.Reset()
	c.logger.Info("connected to hub",
		zap.String("url", c.url),
		zap.String("device_type", c.deviceType),
		zap.String("instance_id", c.instanceID),
	)

	if err := c.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.expectSnapshots()
	if err := c.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	c.connOnce.Do(func() { close(c.connected) })

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	if c.heartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx)
	}

	return c.readLoop(connCtx, conn)
}

func (c *Client) register() error {
	return c.send(shared.MessageTypeRegister, "", shared.RegisterPayload{
		Device:     c.deviceType,
		InstanceID: c.instanceID,
		Metadata:   c.metadata,
		Transport:  shared.TransportSocket,
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(shared.MessageTypeHeartbeat, "", shared.HeartbeatPayload{At: c.now().UnixMilli()}); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := shared.UnmarshalEnvelope(msg)
		if err != nil {
			c.logger.Warn("invalid message from hub", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *shared.Envelope) {
	if env.RequestID != "" && c.resolvePending(env) {
		return
	}

	switch shared.MessageType(env.Type) {
	case shared.MessageTypePing:
		c.answerPing(env)
	case shared.MessageTypeReset:
		c.handleReset(env)
	case shared.MessageTypeStorageUpdate:
		c.handleStorageUpdate(env)
	case shared.MessageTypeDevicesList:
		c.handleDevices(env)
	case shared.MessageTypeError:
		c.handleError(env)
	default:
		c.handleEvent(env)
	}
}

func (c *Client) answerPing(env *shared.Envelope) {
	var p shared.PingPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("invalid ping", zap.Error(err))
		return
	}
	if err := c.send(shared.MessageTypePong, "", shared.PongPayload{
		PingID:      p.PingID,
		SentAt:      p.SentAt,
		RespondedAt: c.now().UnixMilli(),
	}); err != nil {
		c.logger.Debug("pong failed", zap.Error(err))
	}
}

func (c *Client) handleEvent(env *shared.Envelope) {
	c.handlersMu.RLock()
	handlers := append([]EventHandler(nil), c.eventHandlers[env.Type]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.safely(env.Type, func() { h(env.Payload) })
	}
}

func (c *Client) handleError(env *shared.Envelope) {
	var p shared.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	hubErr := &HubError{Type: p.Type, Message: p.Message}

	c.handlersMu.RLock()
	handlers := append([]ErrorHandler(nil), c.errorHandlers...)
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Warn("hub error", zap.String("type", p.Type), zap.String("message", p.Message))
	}
	for _, h := range handlers {
		c.safely("error", func() { h(hubErr) })
	}
}

// safely runs fn and recovers a handler panic.
func (c *Client) safely(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sdk handler panicked",
				zap.String("kind", kind),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (c *Client) send(msgType shared.MessageType, requestID string, payload interface{}) error {
	env, err := shared.NewEnvelope(string(msgType), payload)
	if err != nil {
		return err
	}
	env.RequestID = requestID
	data, err := shared.MarshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// request sends a message and waits for the reply carrying its request id.
func (c *Client) request(ctx context.Context, msgType shared.MessageType, payload interface{}) (*shared.Envelope, error) {
	id := uuid.NewString()
	ch := make(chan *shared.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(msgType, id, payload); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	select {
	case env := <-ch:
		if env == nil {
			return nil, ErrClosed
		}
		if env.Type == string(shared.MessageTypeError) {
			var p shared.ErrorPayload
			_ = env.DecodePayload(&p)
			return nil, &HubError{Type: p.Type, Message: p.Message}
		}
		return env, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", msgType, ctx.Err())
	}
}

func (c *Client) resolvePending(env *shared.Envelope) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

// failPending wakes every waiting request with ErrClosed.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
