package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 1 << 20
)

// clientConn is one socket client. It is also the client's storage
// subscriber.
type clientConn struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	ip   string
	send chan []byte

	mu         sync.Mutex
	registered bool
	deviceType string
	instanceID string
}

func newClientConn(hub *Hub, conn *websocket.Conn, id, ip string) *clientConn {
	return &clientConn{
		hub:  hub,
		conn: conn,
		id:   id,
		ip:   ip,
		send: make(chan []byte, hub.sendBuffer),
	}
}

func (c *clientConn) SubscriberID() string { return c.id }

func (c *clientConn) DeliverStorage(update StorageUpdate) error {
	payload, err := json.Marshal(shared.StorageUpdatePayload{
		State:       update.State,
		ChangedKeys: update.ChangedKeys,
	})
	if err != nil {
		return err
	}
	return c.hub.Deliver(c.id, string(shared.MessageTypeStorageUpdate), payload)
}

func (c *clientConn) isRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *clientConn) identity() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceType, c.instanceID, c.registered
}

func (c *clientConn) origin() Origin {
	deviceType, instanceID, ok := c.identity()
	actor := "socket:" + c.id
	if ok {
		actor = deviceType + "/" + instanceID
	}
	return Origin{Actor: actor, IP: c.ip}
}

func (c *clientConn) readPump() {
	defer func() {
		c.hub.coord.Storage.Unsubscribe(c.id)
		if c.isRegistered() {
			c.hub.coord.Registry.Unregister(c.id)
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := shared.UnmarshalEnvelope(message)
		if err != nil {
			c.hub.logger.Warn("dropping malformed message",
				zap.String("connection_id", c.id),
				zap.Error(err),
			)
			continue
		}

		if err := c.handleEnvelope(env); err != nil {
			c.replyError(env, err)
		}
	}
}

func (c *clientConn) handleEnvelope(env *shared.Envelope) error {
	coord := c.hub.coord

	switch shared.MessageType(env.Type) {
	case shared.MessageTypeRegister:
		var p shared.RegisterPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return c.handleRegister(p)

	case shared.MessageTypeHeartbeat:
		var p shared.HeartbeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if p.At == 0 {
			p.At = env.Timestamp
		}
		coord.Registry.Heartbeat(c.id, p.At)
		return nil

	case shared.MessageTypePong:
		var p shared.PongPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if sentAt, ok := c.hub.pings.take(p.PingID, c.id); ok {
			coord.Registry.RecordLatency(c.id, sentAt, c.hub.now())
		}
		return nil

	case shared.MessageTypeDirectExecute:
		var p shared.DirectExecutePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		cmd := EnvelopeFromPayload(p)
		if deviceType, instanceID, ok := c.identity(); ok {
			if cmd.Source == "" {
				cmd.Source = deviceType
			}
			if cmd.SourceInstanceID == "" {
				cmd.SourceInstanceID = instanceID
			}
		}
		c.touch()
		if _, err := coord.Direct(cmd, c.origin()); err != nil {
			if errors.Is(err, ErrCommandNotAllowed) {
				return nil
			}
			return err
		}
		return nil

	case shared.MessageTypeStorageModify:
		var p shared.StorageModifyPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		c.touch()
		_, err := coord.PatchStorage(p.Patch, PatchOptions{Persist: p.Persist, PersistKeys: p.PersistKeys})
		return err

	case shared.MessageTypeStorageSubscribe:
		var p shared.StorageSubscribePayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		return coord.Storage.Subscribe(c, p.Keys)

	case shared.MessageTypeStorageUnsubscribe:
		coord.Storage.Unsubscribe(c.id)
		return nil

	case shared.MessageTypeStatusStart, shared.MessageTypeStatusPause,
		shared.MessageTypeStatusRestart, shared.MessageTypeStatusWin:
		var p shared.StatusCommandPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		command := env.Type[len("status:"):]
		_, err := coord.StatusCommand(command, statusCommandFromPayload(p), c.origin())
		return err

	case shared.MessageTypeReset:
		var p shared.ResetPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		if _, instanceID, ok := c.identity(); ok && p.SourceInstanceID == "" {
			p.SourceInstanceID = instanceID
		}
		coord.Reset(p, c.origin())
		return nil

	case shared.MessageTypeDevicesList:
		return c.reply(env, shared.MessageTypeDevicesList, coord.Registry.List())

	default:
		return fmt.Errorf("unsupported message type %q", env.Type)
	}
}

func (c *clientConn) handleRegister(p shared.RegisterPayload) error {
	session, err := c.hub.coord.Registry.Register(RegisterRequest{
		ConnectionID: c.id,
		DeviceType:   p.Device,
		InstanceID:   p.InstanceID,
		Transport:    shared.TransportSocket,
		Metadata:     p.Metadata,
		IP:           c.ip,
	})
	if err != nil {
		c.hub.logger.Warn("register rejected",
			zap.String("connection_id", c.id),
			zap.String("device", p.Device),
			zap.Error(err),
		)
		if errors.Is(err, ErrMissingDeviceType) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.registered = true
	c.deviceType = session.DeviceType
	c.instanceID = session.InstanceID
	c.mu.Unlock()
	return nil
}

func (c *clientConn) touch() {
	if c.isRegistered() {
		c.hub.coord.Registry.Touch(c.id)
	}
}

func (c *clientConn) reply(req *shared.Envelope, msgType shared.MessageType, payload interface{}) error {
	env, err := shared.NewEnvelope(string(msgType), payload)
	if err != nil {
		return err
	}
	env.RequestID = req.RequestID
	msg, err := shared.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.hub.send(c.id, msg)
}

func (c *clientConn) replyError(req *shared.Envelope, cause error) {
	c.hub.logger.Debug("client request failed",
		zap.String("connection_id", c.id),
		zap.String("type", req.Type),
		zap.Error(cause),
	)
	if err := c.reply(req, shared.MessageTypeError, shared.ErrorPayload{
		Type:    req.Type,
		Message: cause.Error(),
	}); err != nil {
		c.hub.logger.Debug("failed to send error reply", zap.String("connection_id", c.id), zap.Error(err))
	}
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func statusCommandFromPayload(p shared.StatusCommandPayload) StatusCommand {
	cmd := StatusCommand{
		Note:            p.Note,
		Operator:        p.Operator,
		DurationSeconds: p.DurationSeconds,
	}
	if p.At > 0 {
		cmd.At = time.UnixMilli(p.At)
	}
	return cmd
}
