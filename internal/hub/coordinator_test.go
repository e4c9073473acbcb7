package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/kioskhub/kioskhub/internal/shared"
)

func TestCoordinatorHardwareHeartbeatLifecycle(t *testing.T) {
	f := newCoordinatorFixture(t)

	device, err := f.coord.HardwareHeartbeat(HardwareHeartbeat{DeviceID: "arduino-1", Port: 8080, IP: "10.0.0.5"})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if device.DeviceType != string(DeviceButtonsArduino) {
		t.Fatalf("expected default device type, got %q", device.DeviceType)
	}

	session, ok := f.coord.Registry.Session(HardwareConnectionPrefix + "arduino-1")
	if !ok {
		t.Fatal("expected registry session")
	}
	if session.Transport != shared.TransportHTTP {
		t.Fatalf("expected http transport, got %s", session.Transport)
	}

	if _, err := f.coord.HardwareHeartbeat(HardwareHeartbeat{DeviceID: "arduino-1", Port: 8080, IP: "10.0.0.5"}); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if n := len(f.events.ofType(EventDeviceRegistered)); n != 1 {
		t.Fatalf("expected a single registration, got %d", n)
	}
	if n := len(f.events.ofType(EventHardwareHeartbeat)); n != 2 {
		t.Fatalf("expected two heartbeat events, got %d", n)
	}

	if expired := f.coord.ExpireHardware(time.Hour); len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %d", len(expired))
	}
	expired := f.coord.ExpireHardware(-time.Second)
	if len(expired) != 1 || expired[0].DeviceID != "arduino-1" {
		t.Fatalf("expected arduino-1 to expire, got %+v", expired)
	}
	if _, ok := f.coord.Registry.Session(HardwareConnectionPrefix + "arduino-1"); ok {
		t.Fatal("expected session removed after expiry")
	}
}

func TestCoordinatorHardwareHeartbeatRequiresID(t *testing.T) {
	f := newCoordinatorFixture(t)
	if _, err := f.coord.HardwareHeartbeat(HardwareHeartbeat{Port: 80}); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
	if _, err := f.coord.HardwareEvent(HardwareEvent{Event: "pressed"}); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
}

func TestCoordinatorStatusCommandAudited(t *testing.T) {
	f := newCoordinatorFixture(t)
	origin := Origin{Actor: "admin/desk", IP: "10.0.0.9"}

	snap, err := f.coord.StatusCommand("start", StatusCommand{Note: "group 3"}, origin)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.Status.Operator != "admin/desk" {
		t.Fatalf("expected operator defaulted from origin, got %q", snap.Status.Operator)
	}

	if _, err := f.coord.StatusCommand("start", StatusCommand{}, origin); err != nil {
		t.Fatalf("restart via start: %v", err)
	}
	if _, err := f.coord.StatusCommand("fly", StatusCommand{}, origin); !errors.Is(err, ErrUnknownStatusCommand) {
		t.Fatalf("expected ErrUnknownStatusCommand, got %v", err)
	}

	entries, err := f.audit.QueryByAction("status.start", 10)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two audited starts, got %d", len(entries))
	}
	if entries[0].IPAddress != "10.0.0.9" {
		t.Fatalf("expected origin ip recorded, got %q", entries[0].IPAddress)
	}
}

func TestCoordinatorResetDefaults(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coord.now = f.clock.Now

	sent := f.coord.Reset(shared.ResetPayload{Reason: "manual"}, Origin{Actor: "http"})
	if sent.Source != "http" {
		t.Fatalf("expected source from origin, got %q", sent.Source)
	}
	if sent.At != f.clock.Now().UnixMilli() {
		t.Fatalf("expected timestamp from clock, got %d", sent.At)
	}
	if n := len(f.events.ofType(EventResetBroadcast)); n != 1 {
		t.Fatalf("expected one reset event, got %d", n)
	}
}
