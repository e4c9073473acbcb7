package hub

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

var (
	ErrClientNotConnected = errors.New("client not connected")
	ErrClientSaturated    = errors.New("client send buffer full")
)

const (
	defaultPingInterval = 5 * time.Second
	defaultSendBuffer   = 256
)

type HubOptions struct {
	AllowedOrigins []string
	StrictOrigin   bool
	PingInterval   time.Duration
	SendBuffer     int
}

// Hub manages all WebSocket client connections using the Gorilla hub
// pattern. It never calls into the services from Run; service calls happen
// on the connection pumps.
type Hub struct {
	clients    map[string]*clientConn
	register   chan *clientConn
	unregister chan *clientConn
	broadcast  chan []byte

	allowedOrigins []string
	strictOrigin   bool
	pingInterval   time.Duration
	sendBuffer     int

	coord    *Coordinator
	pings    *pingTable
	upgrader websocket.Upgrader
	logger   *zap.Logger
	mu       sync.RWMutex
	ctx      context.Context
	now      func() time.Time
}

func NewHub(ctx context.Context, coord *Coordinator, bus *Bus, opts HubOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	pings, _ := newPingTable(pendingPingCapacity)

	h := &Hub{
		clients:        make(map[string]*clientConn),
		register:       make(chan *clientConn),
		unregister:     make(chan *clientConn),
		broadcast:      make(chan []byte, 256),
		allowedOrigins: opts.AllowedOrigins,
		strictOrigin:   opts.StrictOrigin,
		pingInterval:   opts.PingInterval,
		sendBuffer:     opts.SendBuffer,
		coord:          coord,
		pings:          pings,
		logger:         logger,
		ctx:            ctx,
		now:            time.Now,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	h.attach(bus)
	return h
}

// bindCoordinator sets the coordinator when it had to be built after the
// hub. It must be called before Run or ServeWS.
func (h *Hub) bindCoordinator(coord *Coordinator) {
	h.coord = coord
}

// attach forwards bus events that every client should see.
func (h *Hub) attach(bus *Bus) {
	if bus == nil {
		return
	}
	bus.Subscribe(EventDeviceListChanged, func(ev BusEvent) {
		if p, ok := ev.Payload.(DeviceListEvent); ok {
			h.Broadcast(shared.MessageTypeDevicesList, p.Devices)
		}
	})
	bus.Subscribe(EventDeviceLatency, func(ev BusEvent) {
		if p, ok := ev.Payload.(LatencySample); ok {
			h.Broadcast(shared.MessageTypeDeviceHeartbeat, shared.DeviceHeartbeat{
				Device:     p.DeviceType,
				InstanceID: p.InstanceID,
				LatencyMs:  p.LatencyMs,
				At:         p.At.UnixMilli(),
			})
		}
	})
	bus.Subscribe(EventHardwareEvent, func(ev BusEvent) {
		h.Broadcast(shared.MessageTypeHardwareEvent, ev.Payload)
	})
	bus.Subscribe(EventResetBroadcast, func(ev BusEvent) {
		h.Broadcast(shared.MessageTypeReset, ev.Payload)
	})
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for id, conn := range h.clients {
				close(conn.send)
				conn.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn.id] = conn
			count := len(h.clients)
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(count)
			h.logger.Info("client connected",
				zap.String("connection_id", conn.id),
				zap.String("ip", conn.ip),
			)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn.id]; ok {
				delete(h.clients, conn.id)
				close(conn.send)
				h.logger.Info("client disconnected", zap.String("connection_id", conn.id))
			}
			count := len(h.clients)
			h.mu.Unlock()
			GetMetrics().SetActiveConnections(count)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, conn := range h.clients {
				select {
				case conn.send <- msg:
				default:
					h.logger.Warn("dropping slow client", zap.String("connection_id", id))
					close(conn.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.sendPings()
		}
	}
}

// ServeWS upgrades the request and starts the connection pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		GetMetrics().RecordConnection("rejected")
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	GetMetrics().RecordConnection("accepted")

	client := newClientConn(h, conn, uuid.NewString(), shared.ClientIP(r))
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Deliver sends one event to one connection without blocking.
func (h *Hub) Deliver(connectionID, event string, payload json.RawMessage) error {
	msg, err := shared.EncodeMessage(event, payload)
	if err != nil {
		return err
	}
	return h.send(connectionID, msg)
}

func (h *Hub) send(connectionID string, msg []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.clients[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotConnected, connectionID)
	}
	select {
	case conn.send <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrClientSaturated, connectionID)
	}
}

// Broadcast queues a message for every connected client.
func (h *Hub) Broadcast(msgType shared.MessageType, payload interface{}) {
	msg, err := shared.EncodeMessage(string(msgType), payload)
	if err != nil {
		h.logger.Warn("failed to encode broadcast",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendPings issues a latency ping to every registered socket client.
func (h *Hub) sendPings() {
	now := h.now()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, conn := range h.clients {
		if !conn.isRegistered() {
			continue
		}
		pingID := uuid.NewString()
		msg, err := shared.EncodeMessage(string(shared.MessageTypePing), shared.PingPayload{
			PingID: pingID,
			SentAt: now.UnixMilli(),
		})
		if err != nil {
			continue
		}
		h.pings.add(pingID, id, now)
		select {
		case conn.send <- msg:
		default:
			h.pings.take(pingID, id)
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if h.strictOrigin {
			h.logger.Warn("rejected connection with missing origin")
			return false
		}
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return !h.strictOrigin
	}

	for _, allowed := range h.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}

	h.logger.Warn("rejected connection from unauthorized origin",
		zap.String("origin", origin))
	return false
}
