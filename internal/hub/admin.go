package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

const (
	StorageKeyAdminState = "adminState"

	defaultAdminMaxEvents  = 100
	defaultAdminMaxLatency = 200
	defaultAdminDebounce   = 25 * time.Millisecond
)

// Admin event channels.
const (
	ChannelMonitor  = "monitor"
	ChannelDirect   = "direct"
	ChannelHardware = "hardware"
	ChannelStatus   = "status"
	ChannelReset    = "reset"
)

type AdminDevice struct {
	DeviceType     string           `json:"deviceType"`
	InstanceID     string           `json:"instanceId"`
	Status         DeviceStatus     `json:"status"`
	Transport      shared.Transport `json:"transport,omitempty"`
	ConnectedAt    *time.Time       `json:"connectedAt,omitempty"`
	LastSeenAt     *time.Time       `json:"lastSeenAt,omitempty"`
	DisconnectedAt *time.Time       `json:"disconnectedAt,omitempty"`
	LatencyMs      *int64           `json:"latencyMs,omitempty"`
	IP             string           `json:"ip,omitempty"`
	LastCommand    string           `json:"lastCommand,omitempty"`
	LastCommandAt  *time.Time       `json:"lastCommandAt,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
}

func (d AdminDevice) key() DeviceKey {
	return DeviceKey{DeviceType: d.DeviceType, InstanceID: d.InstanceID}
}

type AdminEvent struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Type        EventType `json:"type"`
	Channel     string    `json:"channel"`
	Source      string    `json:"source,omitempty"`
	Target      string    `json:"target,omitempty"`
	Description string    `json:"description"`
}

// AdminState is the dashboard read-model stored under adminState.
type AdminState struct {
	Devices   []AdminDevice   `json:"devices"`
	Events    []AdminEvent    `json:"events"`
	Latency   []LatencySample `json:"latency"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// AdminStore is the storage surface the aggregator reads and writes.
type AdminStore interface {
	Get(key string) (json.RawMessage, bool)
	PatchValues(values map[string]interface{}, opts PatchOptions) ([]string, error)
}

type AdminOption func(*AdminAggregator)

func WithAdminLimits(maxEvents, maxLatency int) AdminOption {
	return func(a *AdminAggregator) {
		if maxEvents > 0 {
			a.maxEvents = maxEvents
		}
		if maxLatency > 0 {
			a.maxLatency = maxLatency
		}
	}
}

func WithAdminDebounce(d time.Duration) AdminOption {
	return func(a *AdminAggregator) {
		if d > 0 {
			a.debounce = d
		}
	}
}

func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *AdminAggregator) { a.now = now }
}

// AdminAggregator folds bus events into a read-model and republishes it
// through storage. It never mutates the services it observes.
type AdminAggregator struct {
	actor  *actor
	store  AdminStore
	bus    *Bus
	logger *zap.Logger
	now    func() time.Time

	maxEvents  int
	maxLatency int
	debounce   time.Duration

	devices    map[DeviceKey]*AdminDevice
	events     []AdminEvent
	latency    []LatencySample
	flushTimer *time.Timer
	dirty      bool
}

func NewAdminAggregator(store AdminStore, bus *Bus, logger *zap.Logger, opts ...AdminOption) *AdminAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AdminAggregator{
		store:      store,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		maxEvents:  defaultAdminMaxEvents,
		maxLatency: defaultAdminMaxLatency,
		debounce:   defaultAdminDebounce,
		devices:    make(map[DeviceKey]*AdminDevice),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.actor = newActor()
	return a
}

// Start hydrates from any persisted adminState and then attaches to the bus.
func (a *AdminAggregator) Start() {
	a.hydrate()
	for _, t := range []EventType{
		EventDeviceRegistered,
		EventDeviceDisconnected,
		EventDeviceListChanged,
		EventDeviceLatency,
		EventDirectExecuted,
		EventDirectRejected,
		EventStatusChanged,
		EventHardwareHeartbeat,
		EventHardwareEvent,
		EventHardwareCommandResult,
		EventResetBroadcast,
	} {
		a.bus.Subscribe(t, func(ev BusEvent) {
			a.actor.post(func() { a.handle(ev) })
		})
	}
}

func (a *AdminAggregator) hydrate() {
	if a.store == nil {
		return
	}
	raw, ok := a.store.Get(StorageKeyAdminState)
	if !ok {
		return
	}
	var state AdminState
	if err := json.Unmarshal(raw, &state); err != nil {
		a.logger.Warn("ignoring unreadable admin state", zap.Error(err))
		return
	}

	a.actor.call(func() {
		for i := range state.Devices {
			d := state.Devices[i]
			// No session survives a restart; live rows come back via the registry.
			if d.Status != DeviceStatusOffline {
				d.Status = DeviceStatusOffline
				if d.DisconnectedAt == nil {
					d.DisconnectedAt = d.LastSeenAt
				}
			}
			a.devices[d.key()] = &d
		}
		a.events = state.Events
		a.latency = state.Latency
		a.trim()
	})
	a.logger.Info("admin state hydrated",
		zap.Int("devices", len(state.Devices)),
		zap.Int("events", len(state.Events)),
	)
}

// Snapshot returns the current read-model.
func (a *AdminAggregator) Snapshot() AdminState {
	var state AdminState
	a.actor.call(func() { state = a.state() })
	return state
}

// Flush writes any pending read-model changes immediately.
func (a *AdminAggregator) Flush() {
	a.actor.call(a.flush)
}

func (a *AdminAggregator) Close() {
	a.actor.call(func() {
		if a.flushTimer != nil {
			a.flushTimer.Stop()
		}
		a.flush()
	})
	a.actor.stop()
}

func (a *AdminAggregator) handle(ev BusEvent) {
	switch p := ev.Payload.(type) {
	case DeviceRegisteredEvent:
		a.onRegistered(ev, p)
	case DeviceDisconnectedEvent:
		a.onDisconnected(ev, p)
	case DeviceListEvent:
		a.onList(p)
	case LatencySample:
		a.onLatency(p)
	case DirectExecution:
		a.onDirect(ev, p)
	case DirectRejection:
		a.logEvent(ev, ChannelDirect, p.Envelope.Source, p.Envelope.Target,
			fmt.Sprintf("%s %s rejected: %s", p.Envelope.Target, p.Envelope.Command, p.Reason))
	case StatusChangedEvent:
		if p.Command == "tick" || p.Command == "init" {
			return
		}
		desc := fmt.Sprintf("timer %s (%s, %ds left)", p.Command, p.Snapshot.Status.Phase, p.Snapshot.Timer.RemainingMs/1000)
		a.logEvent(ev, ChannelStatus, p.Snapshot.Status.Operator, "timer", desc)
	case HardwareDevice:
		a.onHardwareHeartbeat(ev, p)
	case HardwareEvent:
		a.onHardwareEvent(ev, p)
	case HardwareCommandResult:
		a.onHardwareResult(ev, p)
	case shared.ResetPayload:
		desc := "reset broadcast"
		if p.Reason != "" {
			desc += ": " + p.Reason
		}
		a.logEvent(ev, ChannelReset, p.Source, "all", desc)
	default:
		return
	}
	a.scheduleFlush()
}

func (a *AdminAggregator) onRegistered(ev BusEvent, p DeviceRegisteredEvent) {
	s := p.Session
	key := s.Key()

	for _, purged := range p.Purged {
		delete(a.devices, purged)
	}
	for k, d := range a.devices {
		if k.DeviceType == key.DeviceType && k != key && d.Status == DeviceStatusOffline {
			delete(a.devices, k)
		}
	}

	d := a.device(key)
	connectedAt, lastSeen := s.ConnectedAt, s.LastSeenAt
	d.Status = DeviceStatusOnline
	d.Transport = s.Transport
	d.ConnectedAt = &connectedAt
	d.LastSeenAt = &lastSeen
	d.DisconnectedAt = nil
	d.IP = s.IP
	d.LastError = ""

	verb := "connected"
	if p.Reconnected {
		verb = "reconnected"
	}
	a.logEvent(ev, ChannelMonitor, key.String(), "", fmt.Sprintf("%s %s via %s", key, verb, s.Transport))
}

func (a *AdminAggregator) onDisconnected(ev BusEvent, p DeviceDisconnectedEvent) {
	key := p.Record.Key()
	d := a.device(key)
	disconnectedAt := p.Record.DisconnectedAt
	d.Status = DeviceStatusOffline
	d.DisconnectedAt = &disconnectedAt

	desc := fmt.Sprintf("%s disconnected", key)
	if n := len(p.Record.ConnectionHistory); n > 0 {
		span := p.Record.ConnectionHistory[n-1]
		desc = fmt.Sprintf("%s disconnected after %s", key, time.Duration(span.DurationMs)*time.Millisecond)
	}
	a.logEvent(ev, ChannelMonitor, key.String(), "", desc)
}

// onList merges a registry snapshot. Rows missing from the batch are kept
// as offline.
func (a *AdminAggregator) onList(p DeviceListEvent) {
	seen := make(map[DeviceKey]bool, len(p.Devices))
	for _, snap := range p.Devices {
		key := DeviceKey{DeviceType: snap.DeviceType, InstanceID: snap.InstanceID}
		seen[key] = true

		d := a.device(key)
		// A bridge failure stays visible until the device heartbeats again.
		if d.Status != DeviceStatusError || snap.Status != DeviceStatusOnline {
			d.Status = snap.Status
		}
		if snap.Transport != "" {
			d.Transport = snap.Transport
		}
		d.ConnectedAt = snap.ConnectedAt
		if snap.LastSeenAt != nil {
			d.LastSeenAt = snap.LastSeenAt
		}
		d.DisconnectedAt = snap.DisconnectedAt
		if snap.LatencyMs != nil {
			d.LatencyMs = snap.LatencyMs
		}
		if snap.IP != "" {
			d.IP = snap.IP
		}
	}
	for key, d := range a.devices {
		if !seen[key] && d.Status == DeviceStatusOnline {
			d.Status = DeviceStatusOffline
		}
	}
}

func (a *AdminAggregator) onLatency(p LatencySample) {
	d := a.device(DeviceKey{DeviceType: p.DeviceType, InstanceID: p.InstanceID})
	latency, at := p.LatencyMs, p.At
	d.LatencyMs = &latency
	d.LastSeenAt = &at

	a.latency = append(a.latency, p)
	a.trim()
}

func (a *AdminAggregator) onDirect(ev BusEvent, p DirectExecution) {
	at := p.At
	for _, r := range p.Recipients {
		d := a.device(DeviceKey{DeviceType: r.DeviceType, InstanceID: r.InstanceID})
		d.LastCommand = p.Envelope.Command
		d.LastCommandAt = &at
	}

	instances := make([]string, 0, len(p.Recipients))
	for _, r := range p.Recipients {
		instances = append(instances, r.InstanceID)
	}
	source := p.Envelope.Source
	if p.Envelope.SourceInstanceID != "" {
		source += "/" + p.Envelope.SourceInstanceID
	}
	desc := fmt.Sprintf("%s -> %s [%s] as %s over %s",
		p.Envelope.Command, p.Envelope.Target, strings.Join(instances, ", "), p.Event, p.Transport)
	a.logEvent(ev, ChannelDirect, source, p.Envelope.Target, desc)
}

func (a *AdminAggregator) onHardwareHeartbeat(ev BusEvent, p HardwareDevice) {
	key := DeviceKey{DeviceType: p.DeviceType, InstanceID: p.DeviceID}
	_, known := a.devices[key]
	d := a.device(key)
	wasOnline := d.Status == DeviceStatusOnline
	lastSeen := p.LastSeenAt

	d.Transport = shared.TransportHTTP
	d.LastSeenAt = &lastSeen
	d.IP = p.IP
	d.DisconnectedAt = nil
	if p.Status == string(DeviceStatusError) {
		d.Status = DeviceStatusError
	} else {
		d.Status = DeviceStatusOnline
		d.LastError = ""
	}
	if d.ConnectedAt == nil || !wasOnline {
		d.ConnectedAt = &lastSeen
	}

	if !known || !wasOnline {
		a.logEvent(ev, ChannelHardware, key.String(), "", fmt.Sprintf("%s heartbeat from %s", key, p.IP))
	}
}

func (a *AdminAggregator) onHardwareEvent(ev BusEvent, p HardwareEvent) {
	key := DeviceKey{DeviceType: p.DeviceType, InstanceID: p.DeviceID}
	if d, ok := a.devices[key]; ok {
		at := p.At
		d.LastSeenAt = &at
	}
	a.logEvent(ev, ChannelHardware, key.String(), "", fmt.Sprintf("%s reported %s", key, p.Event))
}

func (a *AdminAggregator) onHardwareResult(ev BusEvent, p HardwareCommandResult) {
	key := DeviceKey{DeviceType: p.DeviceType, InstanceID: p.DeviceID}
	d := a.device(key)
	if p.Status == "ok" {
		if d.Status == DeviceStatusError {
			d.Status = DeviceStatusOnline
		}
		d.LastError = ""
		a.logEvent(ev, ChannelHardware, "bridge", key.String(),
			fmt.Sprintf("%s accepted %s in %dms", key, p.Command, p.DurationMs))
		return
	}
	d.Status = DeviceStatusError
	d.LastError = p.Error
	a.logEvent(ev, ChannelHardware, "bridge", key.String(),
		fmt.Sprintf("%s failed %s: %s", key, p.Command, p.Error))
}

func (a *AdminAggregator) device(key DeviceKey) *AdminDevice {
	d, ok := a.devices[key]
	if !ok {
		d = &AdminDevice{DeviceType: key.DeviceType, InstanceID: key.InstanceID, Status: DeviceStatusOffline}
		a.devices[key] = d
	}
	return d
}

func (a *AdminAggregator) logEvent(ev BusEvent, channel, source, target, description string) {
	at := ev.At
	if at.IsZero() {
		at = a.now().UTC()
	}
	a.events = append(a.events, AdminEvent{
		ID:          uuid.NewString(),
		At:          at,
		Type:        ev.Type,
		Channel:     channel,
		Source:      source,
		Target:      target,
		Description: description,
	})
	a.trim()
}

func (a *AdminAggregator) trim() {
	if over := len(a.events) - a.maxEvents; over > 0 {
		a.events = append([]AdminEvent(nil), a.events[over:]...)
	}
	if over := len(a.latency) - a.maxLatency; over > 0 {
		a.latency = append([]LatencySample(nil), a.latency[over:]...)
	}
}

func (a *AdminAggregator) scheduleFlush() {
	a.dirty = true
	if a.flushTimer != nil {
		return
	}
	a.flushTimer = time.AfterFunc(a.debounce, func() {
		a.actor.post(func() {
			a.flushTimer = nil
			a.flush()
		})
	})
}

func (a *AdminAggregator) flush() {
	if !a.dirty || a.store == nil {
		return
	}
	a.dirty = false
	if _, err := a.store.PatchValues(map[string]interface{}{
		StorageKeyAdminState: a.state(),
	}, PatchOptions{PersistKeys: []string{StorageKeyAdminState}}); err != nil {
		a.logger.Warn("failed to publish admin state", zap.Error(err))
	}
}

func (a *AdminAggregator) state() AdminState {
	devices := make([]AdminDevice, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return keyLess(devices[i].key(), devices[j].key()) })

	return AdminState{
		Devices:   devices,
		Events:    append([]AdminEvent(nil), a.events...),
		Latency:   append([]LatencySample(nil), a.latency...),
		UpdatedAt: a.now().UTC(),
	}
}
