package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the collected metrics
type Metrics struct {
	registry *prometheus.Registry

	submitted     *prometheus.CounterVec
	finished      *prometheus.CounterVec
	running       *prometheus.GaugeVec
	transferBytes *prometheus.CounterVec
	lockConflicts prometheus.Counter
	backupSuccess prometheus.Gauge
	backupSize    prometheus.Gauge
}

// New generates new metrics on a dedicated registry
func New() *Metrics {
	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_agent_operations_submitted_total",
		Help: "total number of accepted operations",
	},
		[]string{"kind"},
	)

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_agent_operations_finished_total",
		Help: "total number of operations that reached a terminal state",
	},
		[]string{"kind", "state"},
	)

	running := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "node_agent_operations_running",
		Help: "number of currently running operations",
	},
		[]string{"kind"},
	)

	transferBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_agent_transfer_bytes_total",
		Help: "bytes moved between the node and the storage backend",
	},
		[]string{"kind", "direction"},
	)

	lockConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "node_agent_transfer_lock_conflicts_total",
		Help: "total number of transfers rejected because another transfer held the lock",
	},
	)

	backupSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "node_agent_backup_success",
		Help: "is 1 when the last backup was successful, otherwise 0",
	},
	)

	backupSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "node_agent_backup_size",
		Help: "size of last backup in bytes",
	},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		submitted,
		finished,
		running,
		transferBytes,
		lockConflicts,
		backupSuccess,
		backupSize,
	)

	return &Metrics{
		registry:      registry,
		submitted:     submitted,
		finished:      finished,
		running:       running,
		transferBytes: transferBytes,
		lockConflicts: lockConflicts,
		backupSuccess: backupSuccess,
		backupSize:    backupSize,
	}
}

// Handler serves the collected metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OperationSubmitted(kind string) {
	m.submitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) OperationStarted(kind string) {
	m.running.WithLabelValues(kind).Inc()
}

// OperationFinished counts a terminal transition, wasRunning tells whether the operation left RUNNING
func (m *Metrics) OperationFinished(kind, state string, wasRunning bool) {
	if wasRunning {
		m.running.WithLabelValues(kind).Dec()
	}
	m.finished.With(prometheus.Labels{"kind": kind, "state": state}).Inc()
}

// CountTransfer adds bytes moved in the given direction ("upload" or "download")
func (m *Metrics) CountTransfer(kind, direction string, n int64) {
	m.transferBytes.With(prometheus.Labels{"kind": kind, "direction": direction}).Add(float64(n))
}

func (m *Metrics) CountLockConflict() {
	m.lockConflicts.Inc()
}

// CountBackup records the outcome of a backup
func (m *Metrics) CountBackup(size int64, err error) {
	if err != nil {
		m.backupSuccess.Set(0)
		return
	}
	m.backupSuccess.Set(1)
	m.backupSize.Set(float64(size))
}
