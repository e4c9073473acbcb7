package hub

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	m := InitMetrics()
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}
	if GetMetrics() != m {
		t.Fatal("GetMetrics returned a different instance")
	}
}

func TestRecordDirectCommand(t *testing.T) {
	m := InitMetrics()
	c := m.DirectCommandsTotal.WithLabelValues("photobooth", "socket", "dispatched")
	before := testutil.ToFloat64(c)

	m.RecordDirectCommand("photobooth", "socket", "dispatched")
	m.RecordDirectCommand("photobooth", "socket", "dispatched")

	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Fatalf("expected 2 new direct commands, got %v", got)
	}
}

func TestRecordStoragePatch(t *testing.T) {
	m := InitMetrics()
	changed := m.StoragePatchesTotal.WithLabelValues("true")
	unchanged := m.StoragePatchesTotal.WithLabelValues("false")
	beforeChanged, beforeUnchanged := testutil.ToFloat64(changed), testutil.ToFloat64(unchanged)

	m.RecordStoragePatch(true)
	m.RecordStoragePatch(false)
	m.RecordStoragePatch(false)

	if got := testutil.ToFloat64(changed) - beforeChanged; got != 1 {
		t.Errorf("expected 1 changed patch, got %v", got)
	}
	if got := testutil.ToFloat64(unchanged) - beforeUnchanged; got != 2 {
		t.Errorf("expected 2 unchanged patches, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	m := InitMetrics()
	m.SetActiveConnections(5)
	m.SetStorageSubscriptions(3)
	m.SetOnlineDevices("http", 2)

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 5 {
		t.Errorf("expected 5 active connections, got %v", got)
	}
	if got := testutil.ToFloat64(m.StorageSubscriptions); got != 3 {
		t.Errorf("expected 3 subscriptions, got %v", got)
	}
	if got := testutil.ToFloat64(m.DevicesOnline.WithLabelValues("http")); got != 2 {
		t.Errorf("expected 2 online http devices, got %v", got)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	m := InitMetrics()
	m.RecordConnection("accepted")
	m.RecordHardwareCall("open", "ok", 0.12)
	m.RecordStorageBroadcasts(4)
	m.RecordPersistenceError()
	m.RecordStatusTransition("running")
	m.ObserveLatency("timer", 14)
	m.RecordSwept(3)
	m.RecordError("router", "delivery")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordConnection("accepted")
	m.RecordDirectCommand("photobooth", "socket", "dispatched")
	m.SetActiveConnections(1)
	m.ObserveLatency("timer", 1)
}
