package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

var (
	ErrUnknownStatusCommand = errors.New("unknown status command")
	ErrMissingDeviceID      = errors.New("hardware: missing device id")
)

// HardwareConnectionPrefix prefixes the registry connection id of every
// http-transport device.
const HardwareConnectionPrefix = "http:"

// Coordinator is the single entry point for operations that socket
// clients, the HTTP API and the Discord bot all expose. It audits each
// operator-visible call.
type Coordinator struct {
	Registry *Registry
	Router   *Router
	Storage  *StorageService
	Status   *StatusMachine
	Admin    *AdminAggregator
	Bridge   *Bridge

	bus               *Bus
	audit             *AuditLogger
	logger            *zap.Logger
	defaultDeviceType string
	now               func() time.Time
}

type CoordinatorConfig struct {
	Registry          *Registry
	Router            *Router
	Storage           *StorageService
	Status            *StatusMachine
	Admin             *AdminAggregator
	Bridge            *Bridge
	Bus               *Bus
	Audit             *AuditLogger
	DefaultDeviceType string
}

func NewCoordinator(cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	deviceType := cfg.DefaultDeviceType
	if deviceType == "" {
		deviceType = string(DeviceButtonsArduino)
	}
	return &Coordinator{
		Registry:          cfg.Registry,
		Router:            cfg.Router,
		Storage:           cfg.Storage,
		Status:            cfg.Status,
		Admin:             cfg.Admin,
		Bridge:            cfg.Bridge,
		bus:               cfg.Bus,
		audit:             cfg.Audit,
		logger:            logger,
		defaultDeviceType: deviceType,
		now:               time.Now,
	}
}

func (c *Coordinator) Direct(env CommandEnvelope, origin Origin) (DirectExecution, error) {
	start := c.now()
	exec, err := c.Router.Send(env)
	c.audit.LogOperation(origin, "direct", env.Target, map[string]interface{}{
		"command":          env.Command,
		"source":           env.Source,
		"targetInstanceId": env.TargetInstanceID,
		"payload":          SanitizeRaw(env.Payload),
		"recipients":       len(exec.Recipients),
	}, err, c.now().Sub(start))
	return exec, err
}

// StatusCommand applies start, pause, restart or win.
func (c *Coordinator) StatusCommand(command string, cmd StatusCommand, origin Origin) (StatusSnapshot, error) {
	start := c.now()
	if cmd.Operator == "" {
		cmd.Operator = origin.Actor
	}

	var (
		snap StatusSnapshot
		err  error
	)
	switch command {
	case "start":
		snap, err = c.Status.Start(cmd)
	case "pause":
		snap, err = c.Status.Pause(cmd)
	case "restart":
		snap, err = c.Status.Restart(cmd)
	case "win":
		snap, err = c.Status.Win(cmd)
	default:
		return StatusSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownStatusCommand, command)
	}

	args := map[string]interface{}{"note": cmd.Note}
	if cmd.DurationSeconds != nil {
		args["durationSeconds"] = *cmd.DurationSeconds
	}
	c.audit.LogOperation(origin, "status."+command, "timer", args, err, c.now().Sub(start))
	return snap, err
}

// Reset publishes a reset to every connected client. The originator
// filters its own echo by sourceInstanceId.
func (c *Coordinator) Reset(p shared.ResetPayload, origin Origin) shared.ResetPayload {
	if p.At == 0 {
		p.At = c.now().UnixMilli()
	}
	if p.Source == "" {
		p.Source = origin.Actor
	}
	c.logger.Info("reset broadcast",
		zap.String("source", p.Source),
		zap.String("source_instance_id", p.SourceInstanceID),
		zap.String("reason", p.Reason),
	)
	c.bus.Publish(EventResetBroadcast, p)
	c.audit.LogOperation(origin, "reset", "all", map[string]interface{}{
		"reason":   p.Reason,
		"metadata": p.Metadata,
	}, nil, 0)
	return p
}

func (c *Coordinator) PatchStorage(patch map[string]json.RawMessage, opts PatchOptions) ([]string, error) {
	return c.Storage.Patch(patch, opts)
}

// HardwareHeartbeat refreshes a device's address and keeps its http
// session alive in the registry.
func (c *Coordinator) HardwareHeartbeat(hb HardwareHeartbeat) (HardwareDevice, error) {
	if hb.DeviceID == "" {
		return HardwareDevice{}, ErrMissingDeviceID
	}
	if hb.DeviceType == "" {
		if known, ok := c.Bridge.Device(hb.DeviceID); ok && known.DeviceType != "" {
			hb.DeviceType = known.DeviceType
		} else {
			hb.DeviceType = c.defaultDeviceType
		}
	}

	device := c.Bridge.Observe(hb)
	connID := HardwareConnectionPrefix + hb.DeviceID
	if _, live := c.Registry.Session(connID); live {
		c.Registry.Touch(connID)
	} else if _, err := c.Registry.Register(RegisterRequest{
		ConnectionID: connID,
		DeviceType:   device.DeviceType,
		InstanceID:   device.DeviceID,
		Transport:    shared.TransportHTTP,
		IP:           device.IP,
		Metadata:     map[string]interface{}{"port": device.Port},
	}); err != nil {
		return device, err
	}

	c.bus.Publish(EventHardwareHeartbeat, device)
	return device, nil
}

func (c *Coordinator) HardwareEvent(ev HardwareEvent) (HardwareEvent, error) {
	if ev.DeviceID == "" {
		return ev, ErrMissingDeviceID
	}
	if ev.DeviceType == "" {
		if known, ok := c.Bridge.Device(ev.DeviceID); ok {
			ev.DeviceType = known.DeviceType
		}
	}
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}
	c.Registry.Touch(HardwareConnectionPrefix + ev.DeviceID)
	c.logger.Info("hardware event",
		zap.String("device_id", ev.DeviceID),
		zap.String("device_type", ev.DeviceType),
		zap.String("event", ev.Event),
	)
	c.bus.Publish(EventHardwareEvent, ev)
	return ev, nil
}

// ExpireHardware unregisters hardware devices silent for longer than timeout.
func (c *Coordinator) ExpireHardware(timeout time.Duration) []HardwareDevice {
	expired := c.Bridge.Expire(c.now().Add(-timeout))
	for _, d := range expired {
		c.logger.Warn("hardware device heartbeat timeout",
			zap.String("device_id", d.DeviceID),
			zap.String("device_type", d.DeviceType),
			zap.Time("last_seen_at", d.LastSeenAt),
		)
		c.Registry.Unregister(HardwareConnectionPrefix + d.DeviceID)
	}
	return expired
}
