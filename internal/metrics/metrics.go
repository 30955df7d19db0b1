// Package metrics exposes Prometheus counters for backups, restores and
// startup reconciliation. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultkeep"

// Metrics holds the application collectors.
type Metrics struct {
	registry *prometheus.Registry

	BackupsCreated    *prometheus.CounterVec
	BackupFailures    prometheus.Counter
	BackupsPruned     *prometheus.CounterVec
	RestoresStarted   prometheus.Counter
	RestoreConflicts  prometheus.Counter
	ReconcileOutcomes *prometheus.CounterVec
	Rollbacks         *prometheus.CounterVec
	RestoreInProgress prometheus.Gauge
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		BackupsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_created_total",
			Help:      "Snapshots written to the store, by kind.",
		}, []string{"kind"}),
		BackupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_failures_total",
			Help:      "Snapshot attempts that failed.",
		}),
		BackupsPruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_pruned_total",
			Help:      "Snapshots removed by retention, by kind.",
		}, []string{"kind"}),
		RestoresStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_started_total",
			Help:      "Restore workers spawned.",
		}),
		RestoreConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_conflicts_total",
			Help:      "Restore requests rejected because a journal already exists.",
		}),
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_outcomes_total",
			Help:      "Startup reconciliations, by outcome.",
		}, []string{"outcome"}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback attempts from the pre-restore snapshot, by result.",
		}, []string{"result"}),
		RestoreInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restore_in_progress",
			Help:      "1 while a restore journal is in progress.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BackupCreated(kind string) {
	if m != nil {
		m.BackupsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) BackupFailed() {
	if m != nil {
		m.BackupFailures.Inc()
	}
}

func (m *Metrics) BackupPruned(kind string, n int) {
	if m != nil && n > 0 {
		m.BackupsPruned.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) RestoreStarted() {
	if m != nil {
		m.RestoresStarted.Inc()
	}
}

func (m *Metrics) RestoreConflict() {
	if m != nil {
		m.RestoreConflicts.Inc()
	}
}

func (m *Metrics) Reconciled(outcome string) {
	if m != nil {
		m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Rollback(result string) {
	if m != nil {
		m.Rollbacks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetRestoreInProgress(active bool) {
	if m == nil {
		return
	}
	if active {
		m.RestoreInProgress.Set(1)
	} else {
		m.RestoreInProgress.Set(0)
	}
}
