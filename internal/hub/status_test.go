package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStatus(t *testing.T, clock *fakeClock) (*StatusMachine, *StorageService, *eventRecorder) {
	t.Helper()
	bus := NewBus(zap.NewNop())
	events := recordEvents(bus)
	storage := NewStorageService(bus, zap.NewNop())
	status := NewStatusMachine(storage, bus, zap.NewNop(), WithStatusClock(clock.Now), WithManualTicks())
	t.Cleanup(func() {
		status.Close()
		storage.Close()
	})
	return status, storage, events
}

func seconds(v float64) *float64 { return &v }

func tickFor(clock *fakeClock, status *StatusMachine, n int) StatusSnapshot {
	var snap StatusSnapshot
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		snap = status.Tick()
	}
	return snap
}

func TestStatusTimerScenario(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, _ := newTestStatus(t, clock)

	snap, err := status.Start(StatusCommand{DurationSeconds: seconds(60)})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if snap.Timer.RemainingMs != 60000 || snap.Status.Phase != PhaseRunning {
		t.Fatalf("expected running with 60000ms, got %+v", snap)
	}

	snap = tickFor(clock, status, 10)
	if diff := snap.Timer.RemainingMs - 50000; diff < -1000 || diff > 1000 {
		t.Fatalf("expected about 50000ms remaining, got %d", snap.Timer.RemainingMs)
	}

	snap, err = status.Pause(StatusCommand{})
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	frozen := snap.Timer.RemainingMs
	if snap.Status.Phase != PhasePaused {
		t.Fatalf("expected paused, got %s", snap.Status.Phase)
	}
	if status.Ticking() {
		t.Fatal("expected ticker stopped while paused")
	}
	snap = tickFor(clock, status, 5)
	if snap.Timer.RemainingMs != frozen {
		t.Fatalf("expected remaining frozen at %d, got %d", frozen, snap.Timer.RemainingMs)
	}

	snap, err = status.Restart(StatusCommand{})
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if snap.Timer.RemainingMs != 60000 || snap.Timer.TotalMs != 60000 {
		t.Fatalf("expected restart to reset to previous duration, got %+v", snap.Timer)
	}

	tickFor(clock, status, 3)
	snap, err = status.Win(StatusCommand{Operator: "gm"})
	if err != nil {
		t.Fatalf("win failed: %v", err)
	}
	if snap.Status.Phase != PhaseWon || snap.Status.Result != ResultManual {
		t.Fatalf("expected manual win, got %+v", snap.Status)
	}
	if status.Ticking() {
		t.Fatal("expected ticker stopped after win")
	}
	won := snap.Timer.RemainingMs
	if won != 57000 {
		t.Fatalf("expected 57000ms remaining at win, got %d", won)
	}
	snap = tickFor(clock, status, 5)
	if snap.Timer.RemainingMs != won {
		t.Fatalf("expected remaining unchanged after win, got %d", snap.Timer.RemainingMs)
	}
}

func TestStatusTimeoutEndsInWon(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, events := newTestStatus(t, clock)

	if _, err := status.Start(StatusCommand{DurationSeconds: seconds(3)}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	snap := tickFor(clock, status, 4)
	if snap.Status.Phase != PhaseWon || snap.Timer.RemainingMs != 0 {
		t.Fatalf("expected won at zero, got %+v", snap)
	}
	if snap.Status.Result != ResultTimeout {
		t.Fatalf("expected timeout result, got %q", snap.Status.Result)
	}
	if status.Ticking() {
		t.Fatal("expected ticker stopped after timeout")
	}

	var sawTimeout bool
	for _, ev := range events.ofType(EventStatusChanged) {
		if ev.Payload.(StatusChangedEvent).Command == "timeout" {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatal("expected a timeout STATUS_CHANGED event")
	}
}

func TestStatusPauseRequiresRunning(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, _ := newTestStatus(t, clock)

	if _, err := status.Pause(StatusCommand{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from idle, got %v", err)
	}
}

func TestStatusStartResumesFromPause(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, _ := newTestStatus(t, clock)

	status.Start(StatusCommand{DurationSeconds: seconds(30)})
	tickFor(clock, status, 10)
	status.Pause(StatusCommand{})
	clock.Advance(time.Minute)

	snap, _ := status.Start(StatusCommand{})
	if snap.Timer.RemainingMs != 20000 {
		t.Fatalf("expected resume at 20000ms, got %d", snap.Timer.RemainingMs)
	}
	snap = tickFor(clock, status, 5)
	if snap.Timer.RemainingMs != 15000 {
		t.Fatalf("expected 15000ms after resume ticks, got %d", snap.Timer.RemainingMs)
	}

	snap, _ = status.Start(StatusCommand{DurationSeconds: seconds(90)})
	if snap.Timer.RemainingMs != 90000 {
		t.Fatalf("expected explicit duration to start fresh, got %d", snap.Timer.RemainingMs)
	}
}

func TestStatusInvalidDurationReusesPrevious(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, _ := newTestStatus(t, clock)

	status.Start(StatusCommand{DurationSeconds: seconds(45)})
	snap, _ := status.Restart(StatusCommand{DurationSeconds: seconds(-5)})
	if snap.Timer.TotalMs != 45000 {
		t.Fatalf("expected previous duration kept, got %d", snap.Timer.TotalMs)
	}
}

func TestStatusOversizedDurationIgnored(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, _, _ := newTestStatus(t, clock)

	status.Start(StatusCommand{DurationSeconds: seconds(45)})
	snap, err := status.Restart(StatusCommand{DurationSeconds: seconds(1e20)})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if snap.Status.Phase != PhaseRunning {
		t.Fatalf("expected running after restart, got %s", snap.Status.Phase)
	}
	if snap.Timer.TotalMs != 45000 || snap.Timer.RemainingMs != 45000 {
		t.Fatalf("expected previous 45s duration kept, got total=%d remaining=%d", snap.Timer.TotalMs, snap.Timer.RemainingMs)
	}
}

func TestStatusWritesSnapshotToStorage(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	status, storage, _ := newTestStatus(t, clock)

	status.Start(StatusCommand{DurationSeconds: seconds(60), Note: "room 1", Operator: "alex"})

	rawStatus, ok := storage.Get(StorageKeyStatus)
	if !ok {
		t.Fatal("expected status key in storage")
	}
	var info StatusInfo
	if err := json.Unmarshal(rawStatus, &info); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if info.Phase != PhaseRunning || info.Note != "room 1" || info.Operator != "alex" {
		t.Fatalf("unexpected status info %+v", info)
	}

	rawTimer, ok := storage.Get(StorageKeyTimer)
	if !ok {
		t.Fatal("expected timer key in storage")
	}
	var timer TimerInfo
	if err := json.Unmarshal(rawTimer, &timer); err != nil {
		t.Fatalf("decode timer: %v", err)
	}
	if timer.TotalMs != 60000 || timer.StartedAt == nil || *timer.StartedAt != clock.Now().UnixMilli() {
		t.Fatalf("unexpected timer info %+v", timer)
	}
}
