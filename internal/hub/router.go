package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

var (
	ErrMissingTarget      = errors.New("direct: missing target device type")
	ErrMissingCommand     = errors.New("direct: missing command")
	ErrUnknownCommand     = errors.New("direct: unknown command for device type")
	ErrCommandNotAllowed  = errors.New("direct: command not allowed over http transport")
	ErrDeliveryIncomplete = errors.New("direct: delivery failed for every recipient")
)

// CommandEnvelope is one addressed command.
type CommandEnvelope struct {
	Target           string          `json:"target"`
	Command          string          `json:"command"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Source           string          `json:"source,omitempty"`
	SourceInstanceID string          `json:"sourceInstanceId,omitempty"`
	TargetInstanceID string          `json:"targetInstanceId,omitempty"`
}

func EnvelopeFromPayload(p shared.DirectExecutePayload) CommandEnvelope {
	return CommandEnvelope{
		Target:           p.Target,
		Command:          p.Command,
		Payload:          p.Payload,
		Source:           p.Source,
		SourceInstanceID: p.SourceInstanceID,
		TargetInstanceID: p.TargetInstanceID,
	}
}

type Recipient struct {
	ConnectionID string           `json:"connectionId"`
	DeviceType   string           `json:"deviceType"`
	InstanceID   string           `json:"instanceId"`
	Transport    shared.Transport `json:"transport"`
}

// DirectExecution describes a dispatched command.
type DirectExecution struct {
	Envelope   CommandEnvelope  `json:"envelope"`
	Event      string           `json:"event"`
	Transport  shared.Transport `json:"transport"`
	Recipients []Recipient      `json:"recipients"`
	At         time.Time        `json:"at"`
}

type DirectRejection struct {
	Envelope  CommandEnvelope  `json:"envelope"`
	Transport shared.Transport `json:"transport"`
	Reason    string           `json:"reason"`
	At        time.Time        `json:"at"`
}

// Deliverer pushes a named event to one live socket connection.
type Deliverer interface {
	Deliver(connectionID, event string, payload json.RawMessage) error
}

// HardwareSender performs one bridge call.
type HardwareSender interface {
	SendCommand(ctx context.Context, deviceID, command string) error
}

type RouterOption func(*Router)

// WithPermissiveCommands makes unknown socket commands travel under their
// raw name instead of being rejected.
func WithPermissiveCommands(enabled bool) RouterOption {
	return func(r *Router) { r.permissive = enabled }
}

func WithHardwareTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.hardwareTimeout = d
		}
	}
}

func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// Router resolves a target through the Registry and delivers a command to
// every matching session. Hardware calls run on their own goroutine and
// report back through HARDWARE_COMMAND_RESULT.
type Router struct {
	registry *Registry
	delivery Deliverer
	hardware HardwareSender
	bus      *Bus
	logger   *zap.Logger

	permissive      bool
	hardwareTimeout time.Duration
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(registry *Registry, delivery Deliverer, hardware HardwareSender, bus *Bus, logger *zap.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		registry:        registry,
		delivery:        delivery,
		hardware:        hardware,
		bus:             bus,
		logger:          logger,
		hardwareTimeout: defaultHardwareTimeout,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close cancels in-flight hardware calls and waits for them to report.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Send routes env to every live session of env.Target. Zero resolved
// recipients is a no-op. When the recipients mix transports, socket and
// http sessions are handled independently and Send only fails if neither
// half dispatched.
func (r *Router) Send(env CommandEnvelope) (DirectExecution, error) {
	if env.Target == "" {
		return DirectExecution{}, ErrMissingTarget
	}
	if env.Command == "" {
		return DirectExecution{}, ErrMissingCommand
	}

	sessions := r.registry.Resolve(env.Target, env.TargetInstanceID)
	if len(sessions) == 0 {
		r.logger.Debug("direct command has no recipients",
			zap.String("target", env.Target),
			zap.String("target_instance_id", env.TargetInstanceID),
			zap.String("command", env.Command),
		)
		GetMetrics().RecordDirectCommand(env.Target, "none", "no_recipients")
		return DirectExecution{Envelope: env, At: r.now().UTC()}, nil
	}

	var sockets, devices []DeviceSession
	for _, s := range sessions {
		if s.Transport == shared.TransportHTTP {
			devices = append(devices, s)
		} else {
			sockets = append(sockets, s)
		}
	}

	var (
		result DirectExecution
		errs   []error
		sent   bool
	)
	if len(sockets) > 0 {
		exec, err := r.sendSocket(env, sockets)
		if err != nil {
			errs = append(errs, err)
		} else {
			result, sent = exec, true
		}
	}
	if len(devices) > 0 {
		exec, err := r.sendHardware(env, devices)
		if err != nil {
			errs = append(errs, err)
		} else if !sent {
			result, sent = exec, true
		} else {
			result.Recipients = append(result.Recipients, exec.Recipients...)
		}
	}

	if !sent {
		return DirectExecution{Envelope: env, At: r.now().UTC()}, errors.Join(errs...)
	}
	return result, nil
}

func (r *Router) sendSocket(env CommandEnvelope, sessions []DeviceSession) (DirectExecution, error) {
	event, ok := LookupEvent(DeviceType(env.Target), CommandName(env.Command))
	if !ok {
		if !r.permissive {
			return DirectExecution{}, r.reject(env, shared.TransportSocket, ErrUnknownCommand)
		}
		r.logger.Warn("unknown command forwarded under its raw name",
			zap.String("target", env.Target),
			zap.String("command", env.Command),
		)
		event = env.Command
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	recipients := make([]Recipient, 0, len(sessions))
	for _, s := range sessions {
		if err := r.delivery.Deliver(s.ConnectionID, event, payload); err != nil {
			r.logger.Warn("failed to deliver direct command",
				zap.String("connection_id", s.ConnectionID),
				zap.String("device_type", s.DeviceType),
				zap.String("instance_id", s.InstanceID),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		recipients = append(recipients, recipientOf(s))
	}
	if len(recipients) == 0 {
		GetMetrics().RecordDirectCommand(env.Target, string(shared.TransportSocket), "failed")
		return DirectExecution{}, fmt.Errorf("%w: %s %s", ErrDeliveryIncomplete, env.Target, env.Command)
	}

	exec := DirectExecution{
		Envelope:   env,
		Event:      event,
		Transport:  shared.TransportSocket,
		Recipients: recipients,
		At:         r.now().UTC(),
	}
	GetMetrics().RecordDirectCommand(env.Target, string(shared.TransportSocket), "delivered")
	r.logger.Info("direct command delivered",
		zap.String("target", env.Target),
		zap.String("command", env.Command),
		zap.String("event", event),
		zap.String("source", env.Source),
		zap.Int("recipients", len(recipients)),
	)
	r.bus.Publish(EventDirectExecuted, exec)
	return exec, nil
}

func (r *Router) sendHardware(env CommandEnvelope, sessions []DeviceSession) (DirectExecution, error) {
	command, ok := HardwareCommand(CommandName(env.Command))
	if !ok {
		return DirectExecution{}, r.reject(env, shared.TransportHTTP, ErrCommandNotAllowed)
	}
	if r.hardware == nil {
		return DirectExecution{}, r.reject(env, shared.TransportHTTP, ErrHardwareDeviceUnknown)
	}

	recipients := make([]Recipient, 0, len(sessions))
	for _, s := range sessions {
		recipients = append(recipients, recipientOf(s))
		r.dispatchHardware(s, command)
	}

	exec := DirectExecution{
		Envelope:   env,
		Event:      command,
		Transport:  shared.TransportHTTP,
		Recipients: recipients,
		At:         r.now().UTC(),
	}
	GetMetrics().RecordDirectCommand(env.Target, string(shared.TransportHTTP), "dispatched")
	r.logger.Info("direct command forwarded to hardware bridge",
		zap.String("target", env.Target),
		zap.String("command", env.Command),
		zap.String("hardware_command", command),
		zap.Int("recipients", len(recipients)),
	)
	r.bus.Publish(EventDirectExecuted, exec)
	return exec, nil
}

func (r *Router) dispatchHardware(s DeviceSession, command string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.hardwareTimeout)
		defer cancel()

		start := r.now()
		err := r.hardware.SendCommand(ctx, s.InstanceID, command)
		result := HardwareCommandResult{
			DeviceType: s.DeviceType,
			DeviceID:   s.InstanceID,
			Command:    command,
			Status:     "ok",
			DurationMs: r.now().Sub(start).Milliseconds(),
		}
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			r.logger.Warn("hardware command failed",
				zap.String("device_type", s.DeviceType),
				zap.String("device_id", s.InstanceID),
				zap.String("command", command),
				zap.Error(err),
			)
		}
		r.bus.Publish(EventHardwareCommandResult, result)
	}()
}

func (r *Router) reject(env CommandEnvelope, transport shared.Transport, cause error) error {
	GetMetrics().RecordDirectCommand(env.Target, string(transport), "rejected")
	r.logger.Warn("direct command rejected",
		zap.String("target", env.Target),
		zap.String("command", env.Command),
		zap.String("transport", string(transport)),
		zap.Error(cause),
	)
	r.bus.Publish(EventDirectRejected, DirectRejection{
		Envelope:  env,
		Transport: transport,
		Reason:    cause.Error(),
		At:        r.now().UTC(),
	})
	return fmt.Errorf("%w: %s %s", cause, env.Target, env.Command)
}

func recipientOf(s DeviceSession) Recipient {
	return Recipient{
		ConnectionID: s.ConnectionID,
		DeviceType:   s.DeviceType,
		InstanceID:   s.InstanceID,
		Transport:    s.Transport,
	}
}
