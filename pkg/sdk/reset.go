package sdk

import (
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

// ResetEvent is a room reset announced by any participant.
type ResetEvent struct {
	Reason           string
	Metadata         map[string]interface{}
	Source           string
	SourceInstanceID string
	At               int64
}

type ResetHandler func(ResetEvent)

// OnReset registers h for resets issued by other participants. Resets this
// client sent itself are not delivered back.
func (c *Client) OnReset(h ResetHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.resetHandlers = append(c.resetHandlers, h)
}

// Reset asks the hub to broadcast a reset to every connected device.
func (c *Client) Reset(reason string, metadata map[string]interface{}) error {
	return c.send(shared.MessageTypeReset, "", shared.ResetPayload{
		Reason:           reason,
		Metadata:         metadata,
		Source:           c.deviceType,
		SourceInstanceID: c.instanceID,
		At:               c.now().UnixMilli(),
	})
}

func (c *Client) handleReset(env *shared.Envelope) {
	var p shared.ResetPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("invalid reset", zap.Error(err))
		return
	}
	if p.SourceInstanceID != "" && p.SourceInstanceID == c.instanceID {
		return
	}

	ev := ResetEvent{
		Reason:           p.Reason,
		Metadata:         p.Metadata,
		Source:           p.Source,
		SourceInstanceID: p.SourceInstanceID,
		At:               p.At,
	}

	c.handlersMu.RLock()
	handlers := append([]ResetHandler(nil), c.resetHandlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.safely("reset", func() { h(ev) })
	}
}
