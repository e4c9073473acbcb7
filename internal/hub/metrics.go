package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub
type Metrics struct {
	// Counters
	ConnectionsTotal    prometheus.CounterVec
	DirectCommandsTotal prometheus.CounterVec
	HardwareCallsTotal  prometheus.CounterVec
	StoragePatchesTotal prometheus.CounterVec
	StatusTransitions   prometheus.CounterVec
	PersistenceErrors   prometheus.Counter
	ErrorsTotal         prometheus.CounterVec
	StorageBroadcasts   prometheus.Counter
	HistoryRecordsSwept prometheus.Counter

	// Gauges
	ConnectionsActive    prometheus.Gauge
	DevicesOnline        prometheus.GaugeVec
	StorageSubscriptions prometheus.Gauge

	// Histograms
	DeviceLatency        prometheus.HistogramVec
	HardwareCallDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ConnectionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_connections_total",
					Help: "Total socket connections (accepted/rejected/closed)",
				},
				[]string{"status"},
			),
			DirectCommandsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_direct_commands_total",
					Help: "Direct commands routed by target device type and outcome",
				},
				[]string{"target", "transport", "outcome"},
			),
			HardwareCallsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_hardware_calls_total",
					Help: "Hardware bridge control calls by command and status",
				},
				[]string{"command", "status"},
			),
			StoragePatchesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_storage_patches_total",
					Help: "Storage patches applied, split by whether any key changed",
				},
				[]string{"changed"},
			),
			StatusTransitions: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_status_transitions_total",
					Help: "Countdown state machine transitions by resulting phase",
				},
				[]string{"phase"},
			),
			PersistenceErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "kioskhub_persistence_errors_total",
					Help: "Failed storage persistence reads or writes",
				},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "kioskhub_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			StorageBroadcasts: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "kioskhub_storage_broadcasts_total",
					Help: "Storage updates delivered to subscribers",
				},
			),
			HistoryRecordsSwept: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "kioskhub_history_records_swept_total",
					Help: "Disconnected device records removed by the stale sweep",
				},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "kioskhub_connections_active",
					Help: "Current active socket connections",
				},
			),
			DevicesOnline: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "kioskhub_devices_online",
					Help: "Current registered device sessions by transport",
				},
				[]string{"transport"},
			),
			StorageSubscriptions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "kioskhub_storage_subscriptions",
					Help: "Current storage subscriptions",
				},
			),
			DeviceLatency: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "kioskhub_device_latency_ms",
					Help:    "Device round-trip latency in milliseconds",
					Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
				},
				[]string{"device_type"},
			),
			HardwareCallDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "kioskhub_hardware_call_duration_seconds",
					Help:    "Hardware bridge control call duration",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordConnection(status string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

func (m *Metrics) RecordDirectCommand(target, transport, outcome string) {
	if m == nil {
		return
	}
	m.DirectCommandsTotal.WithLabelValues(target, transport, outcome).Inc()
}

func (m *Metrics) RecordHardwareCall(command, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HardwareCallsTotal.WithLabelValues(command, status).Inc()
	m.HardwareCallDuration.Observe(seconds)
}

func (m *Metrics) RecordStoragePatch(changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.StoragePatchesTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordStorageBroadcasts(n int) {
	if m == nil {
		return
	}
	m.StorageBroadcasts.Add(float64(n))
}

func (m *Metrics) SetStorageSubscriptions(n int) {
	if m == nil {
		return
	}
	m.StorageSubscriptions.Set(float64(n))
}

func (m *Metrics) RecordPersistenceError() {
	if m == nil {
		return
	}
	m.PersistenceErrors.Inc()
}

func (m *Metrics) RecordStatusTransition(phase string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetOnlineDevices(transport string, count int) {
	if m == nil {
		return
	}
	m.DevicesOnline.WithLabelValues(transport).Set(float64(count))
}

func (m *Metrics) ObserveLatency(deviceType string, latencyMs int64) {
	if m == nil {
		return
	}
	m.DeviceLatency.WithLabelValues(deviceType).Observe(float64(latencyMs))
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil {
		return
	}
	m.HistoryRecordsSwept.Add(float64(n))
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
