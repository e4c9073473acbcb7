package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kioskhub/kioskhub/internal/shared"
	"go.uber.org/zap"
)

// StorageUpdate is a scoped view of the shared state. ChangedKeys is empty
// for a snapshot. Each subscription receives one snapshot after Subscribe
// and one after every reconnect; snapshots triggered by other local
// subscriptions are not repeated to it.
type StorageUpdate struct {
	State       map[string]json.RawMessage
	ChangedKeys []string
}

type StorageHandler func(StorageUpdate)

type storageSubscription struct {
	keys    map[string]struct{}
	handler StorageHandler
	primed  bool
}

// wants reports whether an update should reach this subscription and
// marks it primed once a snapshot has been taken. Callers hold handlersMu.
func (s *storageSubscription) wants(changed []string) bool {
	if len(changed) == 0 {
		if s.primed {
			return false
		}
		s.primed = true
		return true
	}
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

// StorageAPI reads and writes the hub's shared key/value state.
type StorageAPI struct {
	c *Client
}

type ModifyOption func(*shared.StorageModifyPayload)

// Persist marks every key in the patch durable.
func Persist() ModifyOption {
	return func(p *shared.StorageModifyPayload) { p.Persist = true }
}

// PersistKeys marks the named keys durable.
func PersistKeys(keys ...string) ModifyOption {
	return func(p *shared.StorageModifyPayload) { p.PersistKeys = append(p.PersistKeys, keys...) }
}

func (c *Client) Storage() *StorageAPI { return &StorageAPI{c: c} }

// Modify merges patch into the shared state.
func (s *StorageAPI) Modify(patch map[string]interface{}, opts ...ModifyOption) error {
	p := shared.StorageModifyPayload{Patch: make(map[string]json.RawMessage, len(patch))}
	for k, v := range patch {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal storage key %q: %w", k, err)
		}
		p.Patch[k] = raw
	}
	for _, opt := range opts {
		opt(&p)
	}
	return s.c.send(shared.MessageTypeStorageModify, "", p)
}

// Subscribe calls h with updates touching keys, or every update when keys
// is empty. The hub holds one subscription per connection, so the client
// subscribes to the union of all local filters and fans out itself.
func (s *StorageAPI) Subscribe(h StorageHandler, keys ...string) (unsubscribe func(), err error) {
	sub := &storageSubscription{keys: make(map[string]struct{}, len(keys)), handler: h}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}

	c := s.c
	c.handlersMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.storageSubs[id] = sub
	c.handlersMu.Unlock()

	unsubscribe = func() {
		c.handlersMu.Lock()
		delete(c.storageSubs, id)
		remaining := len(c.storageSubs)
		c.handlersMu.Unlock()

		var err error
		if remaining == 0 {
			err = c.send(shared.MessageTypeStorageUnsubscribe, "", nil)
		} else {
			err = c.resubscribe()
		}
		if err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Debug("storage resubscribe failed", zap.Error(err))
		}
	}

	if err := c.resubscribe(); err != nil && !errors.Is(err, ErrNotConnected) {
		return unsubscribe, err
	}
	return unsubscribe, nil
}

// subscriptionKeys returns the union of local filters. all is true when
// any subscription is unfiltered.
func (c *Client) subscriptionKeys() (keys []string, all bool, some bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	set := make(map[string]struct{})
	for _, sub := range c.storageSubs {
		some = true
		if len(sub.keys) == 0 {
			all = true
		}
		for k := range sub.keys {
			set[k] = struct{}{}
		}
	}
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, all, some
}

// expectSnapshots makes every subscription accept the next snapshot, which
// the hub sends after a reconnect.
func (c *Client) expectSnapshots() {
	c.handlersMu.Lock()
	for _, sub := range c.storageSubs {
		sub.primed = false
	}
	c.handlersMu.Unlock()
}

func (c *Client) resubscribe() error {
	keys, all, some := c.subscriptionKeys()
	if !some {
		return nil
	}
	if all {
		keys = nil
	}
	return c.send(shared.MessageTypeStorageSubscribe, "", shared.StorageSubscribePayload{Keys: keys})
}

func (c *Client) handleStorageUpdate(env *shared.Envelope) {
	var p shared.StorageUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("invalid storage update", zap.Error(err))
		return
	}

	c.handlersMu.Lock()
	var targets []*storageSubscription
	for _, sub := range c.storageSubs {
		if sub.wants(p.ChangedKeys) {
			targets = append(targets, sub)
		}
	}
	c.handlersMu.Unlock()

	for _, sub := range targets {
		update := StorageUpdate{State: scope(p.State, sub.keys), ChangedKeys: p.ChangedKeys}
		c.safely("storage", func() { sub.handler(update) })
	}
}

func scope(state map[string]json.RawMessage, keys map[string]struct{}) map[string]json.RawMessage {
	if len(keys) == 0 {
		return state
	}
	out := make(map[string]json.RawMessage, len(keys))
	for k := range keys {
		if v, ok := state[k]; ok {
			out[k] = v
		}
	}
	return out
}
