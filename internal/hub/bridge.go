package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrHardwareDeviceUnknown = errors.New("hardware device has no known address")

const (
	defaultControlPort     = 80
	defaultHardwareTimeout = 10 * time.Second
)

// HardwareDevice is the bridge's address book entry for a device that
// reaches the hub over plain HTTP.
type HardwareDevice struct {
	DeviceID   string    `json:"deviceId"`
	DeviceType string    `json:"deviceType"`
	IP         string    `json:"ip"`
	Port       int       `json:"port"`
	Status     string    `json:"status,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// HardwareHeartbeat is posted periodically by each hardware device.
type HardwareHeartbeat struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType,omitempty"`
	Port       int    `json:"port,omitempty"`
	Status     string `json:"status,omitempty"`
	IP         string `json:"-"`
}

// HardwareEvent is an input reported by a device, such as a button press.
type HardwareEvent struct {
	DeviceID   string                 `json:"deviceId"`
	DeviceType string                 `json:"deviceType,omitempty"`
	Event      string                 `json:"event"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// HardwareCommandResult reports the outcome of one bridge call.
type HardwareCommandResult struct {
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type controlRequest struct {
	Command string `json:"command"`
}

type BridgeOption func(*Bridge)

func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// Bridge forwards allow-listed commands to hardware devices with
// POST http://{ip}:{port}/control. It never retries.
type Bridge struct {
	client      *resty.Client
	logger      *zap.Logger
	controlPort int
	now         func() time.Time

	mu      sync.RWMutex
	devices map[string]HardwareDevice
}

func NewBridge(controlPort int, timeout time.Duration, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if controlPort <= 0 {
		controlPort = defaultControlPort
	}
	if timeout <= 0 {
		timeout = defaultHardwareTimeout
	}

	b := &Bridge{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		logger:      logger,
		controlPort: controlPort,
		now:         time.Now,
		devices:     make(map[string]HardwareDevice),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Observe records or refreshes a device's address from a heartbeat.
func (b *Bridge) Observe(hb HardwareHeartbeat) HardwareDevice {
	b.mu.Lock()
	defer b.mu.Unlock()

	device := b.devices[hb.DeviceID]
	device.DeviceID = hb.DeviceID
	if hb.DeviceType != "" {
		device.DeviceType = hb.DeviceType
	}
	if hb.IP != "" {
		device.IP = hb.IP
	}
	if hb.Port > 0 {
		device.Port = hb.Port
	}
	if device.Port == 0 {
		device.Port = b.controlPort
	}
	device.Status = hb.Status
	device.LastSeenAt = b.now().UTC()
	b.devices[hb.DeviceID] = device
	return device
}

func (b *Bridge) Device(deviceID string) (HardwareDevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[deviceID]
	return d, ok
}

func (b *Bridge) Devices() []HardwareDevice {
	b.mu.RLock()
	out := make([]HardwareDevice, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Expire removes devices not seen since cutoff and returns them.
func (b *Bridge) Expire(cutoff time.Time) []HardwareDevice {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []HardwareDevice
	for id, d := range b.devices {
		if d.LastSeenAt.Before(cutoff) {
			expired = append(expired, d)
			delete(b.devices, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeviceID < expired[j].DeviceID })
	return expired
}

// SendCommand posts command to the device's control endpoint. Any 2xx
// response is success.
func (b *Bridge) SendCommand(ctx context.Context, deviceID, command string) error {
	device, ok := b.Device(deviceID)
	if !ok || device.IP == "" {
		return fmt.Errorf("%w: %s", ErrHardwareDeviceUnknown, deviceID)
	}

	url := fmt.Sprintf("http://%s/control", net.JoinHostPort(device.IP, strconv.Itoa(device.Port)))
	start := b.now()

	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(controlRequest{Command: command}).
		Post(url)
	elapsed := b.now().Sub(start).Seconds()

	if err != nil {
		GetMetrics().RecordHardwareCall(command, "error", elapsed)
		b.logger.Warn("hardware control call failed",
			zap.String("device_id", deviceID),
			zap.String("command", command),
			zap.String("url", url),
			zap.Error(err),
		)
		return fmt.Errorf("control %s: %w", deviceID, err)
	}
	if !resp.IsSuccess() {
		GetMetrics().RecordHardwareCall(command, "error", elapsed)
		b.logger.Warn("hardware control call rejected",
			zap.String("device_id", deviceID),
			zap.String("command", command),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("control %s: unexpected status %d", deviceID, resp.StatusCode())
	}

	GetMetrics().RecordHardwareCall(command, "ok", elapsed)
	b.logger.Info("hardware command delivered",
		zap.String("device_id", deviceID),
		zap.String("command", command),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
