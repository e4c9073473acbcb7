package sdk

import (
	"encoding/json"
	"fmt"

	"github.com/kioskhub/kioskhub/internal/shared"
)

// DirectAPI sends commands to other device types.
type DirectAPI struct {
	c *Client
}

type DirectOption func(*shared.DirectExecutePayload)

// ToInstance limits delivery to one instance of the target type.
func ToInstance(instanceID string) DirectOption {
	return func(p *shared.DirectExecutePayload) { p.TargetInstanceID = instanceID }
}

func (c *Client) Direct() *DirectAPI { return &DirectAPI{c: c} }

// Execute routes command to every live session of target. Delivery is
// fire-and-forget; a rejection arrives through OnError.
func (d *DirectAPI) Execute(target, command string, payload interface{}, opts ...DirectOption) error {
	p := shared.DirectExecutePayload{
		Target:           target,
		Command:          command,
		Source:           d.c.deviceType,
		SourceInstanceID: d.c.instanceID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", command, err)
		}
		p.Payload = raw
	}
	for _, opt := range opts {
		opt(&p)
	}
	return d.c.send(shared.MessageTypeDirectExecute, "", p)
}

// On registers a handler for a command event addressed to this device,
// e.g. On("timer:start", ...).
func (d *DirectAPI) On(event string, h EventHandler) {
	d.c.OnEvent(event, h)
}
