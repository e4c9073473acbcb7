package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

// DeviceInfo is one row of the hub's device list.
type DeviceInfo struct {
	DeviceType     string                 `json:"deviceType"`
	InstanceID     string                 `json:"instanceId"`
	Status         string                 `json:"status"`
	Transport      string                 `json:"transport,omitempty"`
	ConnectedAt    *time.Time             `json:"connectedAt,omitempty"`
	LastSeenAt     *time.Time             `json:"lastSeenAt,omitempty"`
	DisconnectedAt *time.Time             `json:"disconnectedAt,omitempty"`
	LatencyMs      *int64                 `json:"latencyMs,omitempty"`
	IP             string                 `json:"ip,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (d DeviceInfo) Online() bool { return d.Status == "online" }

type DevicesHandler func([]DeviceInfo)

// DevicesAPI reads the device list and follows its changes.
type DevicesAPI struct {
	c *Client
}

func (c *Client) Devices() *DevicesAPI { return &DevicesAPI{c: c} }

// List asks the hub for the current device list.
func (d *DevicesAPI) List(ctx context.Context) ([]DeviceInfo, error) {
	env, err := d.c.request(ctx, shared.MessageTypeDevicesList, nil)
	if err != nil {
		return nil, err
	}
	var devices []DeviceInfo
	if err := env.DecodePayload(&devices); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}
	return devices, nil
}

// OnChange calls h with the full list every time the hub broadcasts one.
func (d *DevicesAPI) OnChange(h DevicesHandler) {
	d.c.handlersMu.Lock()
	defer d.c.handlersMu.Unlock()
	d.c.deviceHandlers = append(d.c.deviceHandlers, h)
}

func (c *Client) handleDevices(env *shared.Envelope) {
	var devices []DeviceInfo
	if err := env.DecodePayload(&devices); err != nil {
		c.logger.Warn("invalid device list", zap.Error(err))
		return
	}

	c.handlersMu.RLock()
	handlers := append([]DevicesHandler(nil), c.deviceHandlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.safely("devices", func() { h(devices) })
	}
}
