package hub

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kioskhub/kioskhub/internal/shared"
	"github.com/kioskhub/kioskhub/internal/storage"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventRecorder collects bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []BusEvent
}

func recordEvents(bus *Bus) *eventRecorder {
	rec := &eventRecorder{}
	bus.SubscribeAll(func(ev BusEvent) {
		rec.mu.Lock()
		rec.events = append(rec.events, ev)
		rec.mu.Unlock()
	})
	return rec
}

func (r *eventRecorder) ofType(t EventType) []BusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BusEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, eventType EventType, n int) []BusEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.ofType(eventType); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %d", n, eventType, len(r.ofType(eventType)))
	return nil
}

func setupHubTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hub.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

type coordinatorFixture struct {
	bus      *Bus
	coord    *Coordinator
	delivery *fakeDeliverer
	hardware *fakeHardware
	events   *eventRecorder
	audit    *AuditLogger
	clock    *fakeClock
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	logger := zap.NewNop()
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))

	bus := NewBus(logger)
	events := recordEvents(bus)
	registry := NewRegistry(bus, nil, logger)
	store := NewStorageService(bus, logger)
	status := NewStatusMachine(store, bus, logger,
		WithDefaultDuration(10*time.Minute),
		WithStatusClock(clock.Now),
		WithManualTicks(),
	)
	bridge := NewBridge(80, time.Second, logger)
	delivery := &fakeDeliverer{failFor: map[string]bool{}}
	hardware := newFakeHardware()
	router := NewRouter(registry, delivery, hardware, bus, logger)
	audit := NewAuditLogger(setupHubTestDB(t), logger)

	coord := NewCoordinator(CoordinatorConfig{
		Registry: registry,
		Router:   router,
		Storage:  store,
		Status:   status,
		Bridge:   bridge,
		Bus:      bus,
		Audit:    audit,
	}, logger)

	t.Cleanup(func() {
		router.Close()
		status.Close()
		store.Close()
		registry.Close()
	})

	return &coordinatorFixture{
		bus:      bus,
		coord:    coord,
		delivery: delivery,
		hardware: hardware,
		events:   events,
		audit:    audit,
		clock:    clock,
	}
}

func (f *coordinatorFixture) registerSocket(t *testing.T, connID, deviceType, instanceID string) {
	t.Helper()
	if _, err := f.coord.Registry.Register(RegisterRequest{
		ConnectionID: connID,
		DeviceType:   deviceType,
		InstanceID:   instanceID,
		Transport:    shared.TransportSocket,
	}); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
}
