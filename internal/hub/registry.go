package hub

import (
	"errors"
	"fmt"
	"sort"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

const (
	defaultHistoryRetention = 24 * time.Hour
	maxConnectionHistory    = 50
)

var (
	ErrMissingDeviceType = errors.New("register: missing device type")
	ErrRegistryStopped   = errors.New("device registry stopped")
)

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
)

// DeviceKey identifies a device instance. At most one live session exists
// per key.
type DeviceKey struct {
	DeviceType string `json:"deviceType"`
	InstanceID string `json:"instanceId"`
}

func (k DeviceKey) String() string {
	return k.DeviceType + "/" + k.InstanceID
}

type ConnectionSpan struct {
	ConnectedAt    time.Time `json:"connectedAt"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
	DurationMs     int64     `json:"durationMs"`
}

type DeviceSession struct {
	ConnectionID string                 `json:"connectionId"`
	DeviceType   string                 `json:"deviceType"`
	InstanceID   string                 `json:"instanceId"`
	Transport    shared.Transport       `json:"transport"`
	ConnectedAt  time.Time              `json:"connectedAt"`
	LastSeenAt   time.Time              `json:"lastSeenAt"`
	LatencyMs    *int64                 `json:"latencyMs,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IP           string                 `json:"ip,omitempty"`
	Registered   bool                   `json:"registered"`

	history []ConnectionSpan
}

func (s DeviceSession) Key() DeviceKey {
	return DeviceKey{DeviceType: s.DeviceType, InstanceID: s.InstanceID}
}

type DisconnectedDevice struct {
	DeviceType        string           `json:"deviceType"`
	InstanceID        string           `json:"instanceId"`
	LastConnectedAt   time.Time        `json:"lastConnectedAt"`
	DisconnectedAt    time.Time        `json:"disconnectedAt"`
	ConnectionHistory []ConnectionSpan `json:"connectionHistory"`
}

func (d DisconnectedDevice) Key() DeviceKey {
	return DeviceKey{DeviceType: d.DeviceType, InstanceID: d.InstanceID}
}

// DeviceSnapshot is one row of the device list broadcast to clients.
type DeviceSnapshot struct {
	DeviceType     string                 `json:"deviceType"`
	InstanceID     string                 `json:"instanceId"`
	Status         DeviceStatus           `json:"status"`
	Transport      shared.Transport       `json:"transport,omitempty"`
	ConnectedAt    *time.Time             `json:"connectedAt,omitempty"`
	LastSeenAt     *time.Time             `json:"lastSeenAt,omitempty"`
	DisconnectedAt *time.Time             `json:"disconnectedAt,omitempty"`
	LatencyMs      *int64                 `json:"latencyMs,omitempty"`
	IP             string                 `json:"ip,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type RegisterRequest struct {
	ConnectionID string
	DeviceType   string
	InstanceID   string
	Transport    shared.Transport
	Metadata     map[string]interface{}
	IP           string
}

type LatencySample struct {
	DeviceType string    `json:"deviceType"`
	InstanceID string    `json:"instanceId"`
	LatencyMs  int64     `json:"latencyMs"`
	At         time.Time `json:"at"`
}

type DeviceRegisteredEvent struct {
	Session     DeviceSession
	Reconnected bool
	Purged      []DeviceKey
}

type DeviceDisconnectedEvent struct {
	Record DisconnectedDevice
}

type DeviceListEvent struct {
	Devices []DeviceSnapshot
}

// HistoryStore persists disconnected-device records so reconnect merging
// and stale-duplicate purging survive a hub restart.
type HistoryStore interface {
	Save(record DisconnectedDevice) error
	Delete(key DeviceKey) error
	LoadAll() ([]DisconnectedDevice, error)
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

type RegistryOption func(*Registry)

func WithHistoryRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithSDKConstraint flags sessions whose metadata.sdkVersion does not
// satisfy the constraint.
func WithSDKConstraint(c *semver.Constraints) RegistryOption {
	return func(r *Registry) { r.sdkConstraint = c }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// Registry tracks live device sessions and a bounded history of recently
// disconnected devices.
type Registry struct {
	actor  *actor
	bus    *Bus
	store  HistoryStore
	logger *zap.Logger

	now           func() time.Time
	retention     time.Duration
	sdkConstraint *semver.Constraints

	sessions     map[string]*DeviceSession
	byKey        map[DeviceKey]string
	disconnected map[DeviceKey]*DisconnectedDevice
}

func NewRegistry(bus *Bus, store HistoryStore, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		bus:          bus,
		store:        store,
		logger:       logger,
		now:          time.Now,
		retention:    defaultHistoryRetention,
		sessions:     make(map[string]*DeviceSession),
		byKey:        make(map[DeviceKey]string),
		disconnected: make(map[DeviceKey]*DisconnectedDevice),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.actor = newActor()
	return r
}

func (r *Registry) Close() {
	r.actor.stop()
}

// LoadHistory seeds the disconnected set from the history store.
func (r *Registry) LoadHistory() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load device history: %w", err)
	}

	r.actor.call(func() {
		for i := range records {
			rec := records[i]
			if _, live := r.byKey[rec.Key()]; live {
				continue
			}
			r.disconnected[rec.Key()] = &rec
		}
	})
	return nil
}

func (r *Registry) Register(req RegisterRequest) (DeviceSession, error) {
	if req.DeviceType == "" {
		r.logger.Warn("rejected registration without device type",
			zap.String("connection_id", req.ConnectionID),
			zap.String("ip", req.IP),
		)
		return DeviceSession{}, ErrMissingDeviceType
	}

	var (
		session DeviceSession
		err     error
	)
	if !r.actor.call(func() { session, err = r.register(req) }) {
		return DeviceSession{}, ErrRegistryStopped
	}
	return session, err
}

func (r *Registry) register(req RegisterRequest) (DeviceSession, error) {
	now := r.now().UTC()

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = req.ConnectionID
	}
	transport := req.Transport
	if transport == "" {
		transport = shared.TransportSocket
	}
	key := DeviceKey{DeviceType: req.DeviceType, InstanceID: instanceID}
	metadata := r.checkSDKVersion(key, req.Metadata)

	// Re-registration on the same connection under the same key only
	// refreshes the session.
	if existing, ok := r.sessions[req.ConnectionID]; ok {
		if existing.Key() == key {
			existing.Metadata = mergeMetadata(existing.Metadata, metadata)
			existing.LastSeenAt = now
			if req.IP != "" {
				existing.IP = req.IP
			}
			r.publishList()
			return cloneSession(existing), nil
		}
		r.unregister(req.ConnectionID)
	}

	var history []ConnectionSpan
	if prevConnID, live := r.byKey[key]; live && prevConnID != req.ConnectionID {
		prev := r.sessions[prevConnID]
		r.logger.Warn("device already connected, replacing session",
			zap.String("device_type", key.DeviceType),
			zap.String("instance_id", key.InstanceID),
			zap.String("previous_connection_id", prevConnID),
			zap.String("connection_id", req.ConnectionID),
		)
		history = appendSpan(prev.history, prev.ConnectedAt, now)
		delete(r.sessions, prevConnID)
		delete(r.byKey, key)
	}

	reconnected := false
	if rec, ok := r.disconnected[key]; ok {
		history = append(append([]ConnectionSpan(nil), rec.ConnectionHistory...), history...)
		delete(r.disconnected, key)
		r.deleteStored(key)
		reconnected = true
	}

	var purged []DeviceKey
	for otherKey := range r.disconnected {
		if otherKey.DeviceType == key.DeviceType && otherKey.InstanceID != key.InstanceID {
			delete(r.disconnected, otherKey)
			r.deleteStored(otherKey)
			purged = append(purged, otherKey)
		}
	}
	sortKeys(purged)

	session := &DeviceSession{
		ConnectionID: req.ConnectionID,
		DeviceType:   key.DeviceType,
		InstanceID:   key.InstanceID,
		Transport:    transport,
		ConnectedAt:  now,
		LastSeenAt:   now,
		Metadata:     metadata,
		IP:           req.IP,
		Registered:   true,
		history:      trimHistory(history),
	}
	r.sessions[req.ConnectionID] = session
	r.byKey[key] = req.ConnectionID

	r.logger.Info("device registered",
		zap.String("device_type", key.DeviceType),
		zap.String("instance_id", key.InstanceID),
		zap.String("transport", string(transport)),
		zap.String("connection_id", req.ConnectionID),
		zap.Bool("reconnected", reconnected),
		zap.Int("purged", len(purged)),
	)

	out := cloneSession(session)
	r.bus.Publish(EventDeviceRegistered, DeviceRegisteredEvent{
		Session:     out,
		Reconnected: reconnected,
		Purged:      purged,
	})
	r.publishList()
	return out, nil
}

// Unregister moves the connection's session into the disconnected set. It
// reports false when the connection never registered.
func (r *Registry) Unregister(connectionID string) (DisconnectedDevice, bool) {
	var (
		rec DisconnectedDevice
		ok  bool
	)
	r.actor.call(func() { rec, ok = r.unregister(connectionID) })
	return rec, ok
}

func (r *Registry) unregister(connectionID string) (DisconnectedDevice, bool) {
	session, ok := r.sessions[connectionID]
	if !ok {
		return DisconnectedDevice{}, false
	}
	now := r.now().UTC()
	key := session.Key()

	delete(r.sessions, connectionID)
	if r.byKey[key] == connectionID {
		delete(r.byKey, key)
	}

	rec := &DisconnectedDevice{
		DeviceType:        key.DeviceType,
		InstanceID:        key.InstanceID,
		LastConnectedAt:   session.ConnectedAt,
		DisconnectedAt:    now,
		ConnectionHistory: trimHistory(appendSpan(session.history, session.ConnectedAt, now)),
	}
	r.disconnected[key] = rec

	if r.store != nil {
		if err := r.store.Save(*rec); err != nil {
			r.logger.Warn("failed to persist device history",
				zap.String("device_type", key.DeviceType),
				zap.String("instance_id", key.InstanceID),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("device disconnected",
		zap.String("device_type", key.DeviceType),
		zap.String("instance_id", key.InstanceID),
		zap.String("connection_id", connectionID),
		zap.Duration("connected_for", now.Sub(session.ConnectedAt)),
	)

	out := cloneRecord(rec)
	r.bus.Publish(EventDeviceDisconnected, DeviceDisconnectedEvent{Record: out})
	r.publishList()
	return out, true
}

// Heartbeat folds a client-driven heartbeat into the session. sentAtMs is
// the client's clock in milliseconds.
func (r *Registry) Heartbeat(connectionID string, sentAtMs int64) (LatencySample, bool) {
	return r.RecordLatency(connectionID, time.UnixMilli(sentAtMs), r.now())
}

// RecordLatency stores max(0, respondedAt-sentAt) as the session latency.
func (r *Registry) RecordLatency(connectionID string, sentAt, respondedAt time.Time) (LatencySample, bool) {
	var (
		sample LatencySample
		ok     bool
	)
	r.actor.call(func() {
		session, found := r.sessions[connectionID]
		if !found {
			return
		}
		latency := respondedAt.Sub(sentAt).Milliseconds()
		if latency < 0 {
			latency = 0
		}
		now := r.now().UTC()
		session.LatencyMs = &latency
		session.LastSeenAt = now

		sample = LatencySample{
			DeviceType: session.DeviceType,
			InstanceID: session.InstanceID,
			LatencyMs:  latency,
			At:         now,
		}
		ok = true
		GetMetrics().ObserveLatency(session.DeviceType, latency)
		r.bus.Publish(EventDeviceLatency, sample)
	})
	return sample, ok
}

// Touch marks the session as seen without changing latency.
func (r *Registry) Touch(connectionID string) {
	r.actor.post(func() {
		if session, ok := r.sessions[connectionID]; ok {
			session.LastSeenAt = r.now().UTC()
		}
	})
}

// Resolve returns the live sessions for deviceType, narrowed to instanceID
// when it is non-empty, ordered by instance id then connection time.
func (r *Registry) Resolve(deviceType, instanceID string) []DeviceSession {
	var out []DeviceSession
	r.actor.call(func() {
		for _, session := range r.sessions {
			if session.DeviceType != deviceType {
				continue
			}
			if instanceID != "" && session.InstanceID != instanceID {
				continue
			}
			out = append(out, cloneSession(session))
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

func (r *Registry) Session(connectionID string) (DeviceSession, bool) {
	var (
		out DeviceSession
		ok  bool
	)
	r.actor.call(func() {
		var s *DeviceSession
		if s, ok = r.sessions[connectionID]; ok {
			out = cloneSession(s)
		}
	})
	return out, ok
}

// List returns live and disconnected devices ordered by key.
func (r *Registry) List() []DeviceSnapshot {
	var out []DeviceSnapshot
	r.actor.call(func() { out = r.snapshot() })
	return out
}

func (r *Registry) Disconnected() []DisconnectedDevice {
	var out []DisconnectedDevice
	r.actor.call(func() {
		for _, rec := range r.disconnected {
			out = append(out, cloneRecord(rec))
		}
	})
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key(), out[j].Key()) })
	return out
}

// SweepStale drops disconnected records older than the retention window.
func (r *Registry) SweepStale() int {
	removed := 0
	r.actor.call(func() {
		cutoff := r.now().UTC().Add(-r.retention)
		for key, rec := range r.disconnected {
			if rec.DisconnectedAt.Before(cutoff) {
				delete(r.disconnected, key)
				removed++
			}
		}
		if r.store != nil {
			if _, err := r.store.DeleteOlderThan(cutoff); err != nil {
				r.logger.Warn("failed to sweep stored device history", zap.Error(err))
			}
		}
		if removed > 0 {
			r.logger.Info("swept stale device history", zap.Int("removed", removed))
			r.publishList()
		}
	})
	GetMetrics().RecordSwept(removed)
	return removed
}

func (r *Registry) publishList() {
	devices := r.snapshot()

	counts := map[shared.Transport]int{shared.TransportSocket: 0, shared.TransportHTTP: 0}
	for _, s := range r.sessions {
		counts[s.Transport]++
	}
	for transport, n := range counts {
		GetMetrics().SetOnlineDevices(string(transport), n)
	}

	r.bus.Publish(EventDeviceListChanged, DeviceListEvent{Devices: devices})
}

func (r *Registry) snapshot() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, len(r.sessions)+len(r.disconnected))
	for _, s := range r.sessions {
		connectedAt, lastSeen := s.ConnectedAt, s.LastSeenAt
		out = append(out, DeviceSnapshot{
			DeviceType:  s.DeviceType,
			InstanceID:  s.InstanceID,
			Status:      DeviceStatusOnline,
			Transport:   s.Transport,
			ConnectedAt: &connectedAt,
			LastSeenAt:  &lastSeen,
			LatencyMs:   copyInt64(s.LatencyMs),
			IP:          s.IP,
			Metadata:    copyMetadata(s.Metadata),
		})
	}
	for key, rec := range r.disconnected {
		if _, live := r.byKey[key]; live {
			continue
		}
		connectedAt, disconnectedAt := rec.LastConnectedAt, rec.DisconnectedAt
		out = append(out, DeviceSnapshot{
			DeviceType:     rec.DeviceType,
			InstanceID:     rec.InstanceID,
			Status:         DeviceStatusOffline,
			ConnectedAt:    &connectedAt,
			DisconnectedAt: &disconnectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(
			DeviceKey{out[i].DeviceType, out[i].InstanceID},
			DeviceKey{out[j].DeviceType, out[j].InstanceID},
		)
	})
	return out
}

func (r *Registry) checkSDKVersion(key DeviceKey, metadata map[string]interface{}) map[string]interface{} {
	metadata = copyMetadata(metadata)
	if r.sdkConstraint == nil {
		return metadata
	}
	raw, _ := metadata["sdkVersion"].(string)
	if raw == "" {
		return metadata
	}

	version, err := semver.NewVersion(raw)
	if err == nil && r.sdkConstraint.Check(version) {
		return metadata
	}
	r.logger.Warn("device runs an unsupported sdk version",
		zap.String("device_type", key.DeviceType),
		zap.String("instance_id", key.InstanceID),
		zap.String("sdk_version", raw),
		zap.String("constraint", r.sdkConstraint.String()),
	)
	metadata["sdkOutdated"] = true
	return metadata
}

func (r *Registry) deleteStored(key DeviceKey) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(key); err != nil {
		r.logger.Warn("failed to delete stored device history",
			zap.String("device_type", key.DeviceType),
			zap.String("instance_id", key.InstanceID),
			zap.Error(err),
		)
	}
}

func appendSpan(history []ConnectionSpan, connectedAt, disconnectedAt time.Time) []ConnectionSpan {
	out := make([]ConnectionSpan, 0, len(history)+1)
	out = append(out, history...)
	return append(out, ConnectionSpan{
		ConnectedAt:    connectedAt,
		DisconnectedAt: disconnectedAt,
		DurationMs:     disconnectedAt.Sub(connectedAt).Milliseconds(),
	})
}

func trimHistory(history []ConnectionSpan) []ConnectionSpan {
	if len(history) <= maxConnectionHistory {
		return history
	}
	return append([]ConnectionSpan(nil), history[len(history)-maxConnectionHistory:]...)
}

func cloneSession(s *DeviceSession) DeviceSession {
	out := *s
	out.LatencyMs = copyInt64(s.LatencyMs)
	out.Metadata = copyMetadata(s.Metadata)
	out.history = append([]ConnectionSpan(nil), s.history...)
	return out
}

func cloneRecord(rec *DisconnectedDevice) DisconnectedDevice {
	out := *rec
	out.ConnectionHistory = append([]ConnectionSpan(nil), rec.ConnectionHistory...)
	return out
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMetadata(base, update map[string]interface{}) map[string]interface{} {
	out := copyMetadata(base)
	for k, v := range update {
		out[k] = v
	}
	return out
}

func keyLess(a, b DeviceKey) bool {
	if a.DeviceType != b.DeviceType {
		return a.DeviceType < b.DeviceType
	}
	return a.InstanceID < b.InstanceID
}

func sortKeys(keys []DeviceKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}
