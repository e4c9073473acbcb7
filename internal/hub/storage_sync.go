package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var ErrStorageStopped = errors.New("storage service stopped")

// StorageUpdate is pushed to subscribers. State is scoped to the
// subscription's key filter.
type StorageUpdate struct {
	State       map[string]json.RawMessage `json:"state"`
	ChangedKeys []string                   `json:"changedKeys,omitempty"`
}

type PatchOptions struct {
	Persist     bool
	PersistKeys []string
}

// Subscriber receives storage updates. DeliverStorage must not block.
type Subscriber interface {
	SubscriberID() string
	DeliverStorage(update StorageUpdate) error
}

type storageSubscription struct {
	sub  Subscriber
	keys map[string]struct{}
}

func (s *storageSubscription) wants(changed []string) bool {
	if len(s.keys) == 0 {
		return true
	}
	for _, k := range changed {
		if _, ok := s.keys[k]; ok {
			return true
		}
	}
	return false
}

type StorageOption func(*StorageService)

// WithPersister enables durable keys.
func WithPersister(p *Persister) StorageOption {
	return func(s *StorageService) { s.persister = p }
}

// StorageService owns the shared key/value snapshot. Values are stored as
// canonical JSON so equality is byte equality.
type StorageService struct {
	actor     *actor
	bus       *Bus
	logger    *zap.Logger
	persister *Persister

	state   map[string]json.RawMessage
	durable map[string]struct{}
	subs    map[string]*storageSubscription
}

func NewStorageService(bus *Bus, logger *zap.Logger, opts ...StorageOption) *StorageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StorageService{
		bus:     bus,
		logger:  logger,
		state:   make(map[string]json.RawMessage),
		durable: make(map[string]struct{}),
		subs:    make(map[string]*storageSubscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.actor = newActor()
	if s.persister != nil {
		s.persister.collect = s.durableState
	}
	return s
}

// LoadPersisted seeds the snapshot from the persistence file. It must run
// before any subscriber attaches. Read failures are logged and ignored.
func (s *StorageService) LoadPersisted() {
	if s.persister == nil {
		return
	}
	file, err := s.persister.Load()
	if err != nil {
		GetMetrics().RecordPersistenceError()
		s.logger.Warn("ignoring unreadable storage file",
			zap.String("path", s.persister.Path()),
			zap.Error(err),
		)
		return
	}

	s.actor.call(func() {
		for _, key := range file.Keys {
			s.durable[key] = struct{}{}
		}
		for key, raw := range file.State {
			value, err := canonicalJSON(raw)
			if err != nil {
				s.logger.Warn("skipping malformed persisted value", zap.String("key", key), zap.Error(err))
				continue
			}
			s.state[key] = value
		}
	})
	s.logger.Info("storage restored from disk",
		zap.String("path", s.persister.Path()),
		zap.Int("keys", len(file.State)),
	)
}

// Patch merges patch into the snapshot and returns the keys whose value
// changed. A null value is stored, not deleted.
func (s *StorageService) Patch(patch map[string]json.RawMessage, opts PatchOptions) ([]string, error) {
	normalized := make(map[string]json.RawMessage, len(patch))
	for key, raw := range patch {
		value, err := canonicalJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("storage patch key %q: %w", key, err)
		}
		normalized[key] = value
	}

	var changed []string
	if !s.actor.call(func() { changed = s.apply(normalized, opts) }) {
		return nil, ErrStorageStopped
	}
	return changed, nil
}

// PatchValues marshals each value and applies the result as a patch.
func (s *StorageService) PatchValues(values map[string]interface{}, opts PatchOptions) ([]string, error) {
	patch := make(map[string]json.RawMessage, len(values))
	for key, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("storage patch key %q: %w", key, err)
		}
		patch[key] = raw
	}
	return s.Patch(patch, opts)
}

func (s *StorageService) apply(patch map[string]json.RawMessage, opts PatchOptions) []string {
	for _, key := range opts.PersistKeys {
		s.durable[key] = struct{}{}
	}
	if opts.Persist {
		for key := range patch {
			s.durable[key] = struct{}{}
		}
	}

	changed := make([]string, 0, len(patch))
	for key, value := range patch {
		if prev, ok := s.state[key]; ok && bytes.Equal(prev, value) {
			continue
		}
		s.state[key] = value
		changed = append(changed, key)
	}
	sort.Strings(changed)

	GetMetrics().RecordStoragePatch(len(changed) > 0)
	if len(changed) == 0 {
		return changed
	}

	s.fanOut(changed)
	s.bus.Publish(EventStorageUpdated, StorageUpdate{
		State:       s.scopedState(nil),
		ChangedKeys: append([]string(nil), changed...),
	})

	if s.persister != nil && s.touchesDurable(changed) {
		s.persister.MarkDirty()
	}
	return changed
}

func (s *StorageService) fanOut(changed []string) {
	delivered := 0
	for id, sub := range s.subs {
		if !sub.wants(changed) {
			continue
		}
		update := StorageUpdate{
			State:       s.scopedState(sub.keys),
			ChangedKeys: append([]string(nil), changed...),
		}
		if s.deliver(id, sub, update) {
			delivered++
		}
	}
	GetMetrics().RecordStorageBroadcasts(delivered)
}

func (s *StorageService) deliver(id string, sub *storageSubscription, update StorageUpdate) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.logger.Error("storage subscriber panicked",
				zap.String("subscriber_id", id),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
			GetMetrics().RecordError("storage", "subscriber_panic")
		}
	}()
	if err := sub.sub.DeliverStorage(update); err != nil {
		s.logger.Warn("failed to deliver storage update",
			zap.String("subscriber_id", id),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Subscribe registers sub for keys (all keys when empty) and immediately
// pushes the scoped snapshot. Subscribing again replaces the filter.
func (s *StorageService) Subscribe(sub Subscriber, keys []string) error {
	filter := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		filter[k] = struct{}{}
	}

	ok := s.actor.call(func() {
		entry := &storageSubscription{sub: sub, keys: filter}
		s.subs[sub.SubscriberID()] = entry
		GetMetrics().SetStorageSubscriptions(len(s.subs))
		s.deliver(sub.SubscriberID(), entry, StorageUpdate{State: s.scopedState(filter)})
	})
	if !ok {
		return ErrStorageStopped
	}
	return nil
}

func (s *StorageService) Unsubscribe(subscriberID string) {
	s.actor.post(func() {
		delete(s.subs, subscriberID)
		GetMetrics().SetStorageSubscriptions(len(s.subs))
	})
}

// Snapshot returns the values for keys, or everything when keys is empty.
func (s *StorageService) Snapshot(keys []string) map[string]json.RawMessage {
	var filter map[string]struct{}
	if len(keys) > 0 {
		filter = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			filter[k] = struct{}{}
		}
	}
	var out map[string]json.RawMessage
	s.actor.call(func() { out = s.scopedState(filter) })
	return out
}

func (s *StorageService) Get(key string) (json.RawMessage, bool) {
	var (
		value json.RawMessage
		ok    bool
	)
	s.actor.call(func() { value, ok = s.state[key] })
	return value, ok
}

// DurableKeys lists keys flagged for persistence.
func (s *StorageService) DurableKeys() []string {
	var keys []string
	s.actor.call(func() {
		for k := range s.durable {
			keys = append(keys, k)
		}
	})
	sort.Strings(keys)
	return keys
}

// Close flushes pending persistence and stops the service.
func (s *StorageService) Close() {
	if s.persister != nil {
		if err := s.persister.Flush(); err != nil {
			s.logger.Warn("final storage flush failed", zap.Error(err))
		}
	}
	s.actor.stop()
}

func (s *StorageService) durableState() (PersistedState, bool) {
	var (
		file PersistedState
		ok   bool
	)
	ok = s.actor.call(func() {
		file.Keys = make([]string, 0, len(s.durable))
		file.State = make(map[string]json.RawMessage, len(s.durable))
		for key := range s.durable {
			file.Keys = append(file.Keys, key)
			if value, present := s.state[key]; present {
				file.State[key] = value
			}
		}
		sort.Strings(file.Keys)
	})
	return file, ok
}

func (s *StorageService) touchesDurable(keys []string) bool {
	for _, k := range keys {
		if _, ok := s.durable[k]; ok {
			return true
		}
	}
	return false
}

func (s *StorageService) scopedState(filter map[string]struct{}) map[string]json.RawMessage {
	if len(filter) == 0 {
		out := make(map[string]json.RawMessage, len(s.state))
		for k, v := range s.state {
			out[k] = v
		}
		return out
	}
	out := make(map[string]json.RawMessage, len(filter))
	for k := range filter {
		if v, ok := s.state[k]; ok {
			out[k] = v
		}
	}
	return out
}

// canonicalJSON re-encodes raw so semantically equal values compare equal
// byte for byte. Object keys come out sorted.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
