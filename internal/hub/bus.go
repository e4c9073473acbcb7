package hub

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names an in-process signal published on the Bus.
type EventType string

const (
	EventDeviceRegistered      EventType = "DEVICE_REGISTERED"
	EventDeviceDisconnected    EventType = "DEVICE_DISCONNECTED"
	EventDeviceListChanged     EventType = "DEVICE_LIST_CHANGED"
	EventDeviceLatency         EventType = "DEVICE_LATENCY"
	EventDirectExecuted        EventType = "DIRECT_EXECUTED"
	EventDirectRejected        EventType = "DIRECT_REJECTED"
	EventStorageUpdated        EventType = "STORAGE_UPDATED"
	EventStatusChanged         EventType = "STATUS_CHANGED"
	EventHardwareHeartbeat     EventType = "HARDWARE_HEARTBEAT"
	EventHardwareEvent         EventType = "HARDWARE_EVENT"
	EventHardwareCommandResult EventType = "HARDWARE_COMMAND_RESULT"
	EventResetBroadcast        EventType = "RESET_BROADCAST"
)

type BusEvent struct {
	Type    EventType
	At      time.Time
	Payload interface{}
}

// Listener receives bus events synchronously on the publisher's goroutine.
// Listeners that touch service state must hand off to that service's actor.
type Listener func(BusEvent)

// Bus fans internal events out to in-process listeners. A panicking
// listener is logged and skipped; the remaining listeners still run.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventType][]Listener
	wildcard  []Listener
	logger    *zap.Logger
	now       func() time.Time
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[EventType][]Listener),
		logger:    logger,
		now:       time.Now,
	}
}

func (b *Bus) Subscribe(eventType EventType, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[eventType] = append(b.listeners[eventType], l)
}

// SubscribeAll registers l for every event type.
func (b *Bus) SubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, l)
}

func (b *Bus) Publish(eventType EventType, payload interface{}) {
	if b == nil {
		return
	}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[eventType])+len(b.wildcard))
	targets = append(targets, b.listeners[eventType]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	ev := BusEvent{Type: eventType, At: b.now().UTC(), Payload: payload}
	for _, l := range targets {
		b.deliver(l, ev)
	}
}

func (b *Bus) deliver(l Listener, ev BusEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
			GetMetrics().RecordError("bus", "listener_panic")
		}
	}()
	l(ev)
}
