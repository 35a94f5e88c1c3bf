// Package metrics defines the Prometheus collectors exported by the storage
// and admin processes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tessera"

// Result labels
const (
	ResultOK       = "ok"
	ResultRedirect = "redirect"
	ResultError    = "error"
)

// Storage holds the collectors of a storage node.
type Storage struct {
	Ops        *prometheus.CounterVec
	OpDuration *prometheus.HistogramVec
	TableEpoch prometheus.Gauge
	Imported   prometheus.Counter
	Exported   prometheus.Counter
}

// NewStorage registers storage node collectors with reg.
func NewStorage(reg prometheus.Registerer) *Storage {
	m := &Storage{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Storage operations by op and result.",
		}, []string{"op", "result"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		TableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "table_epoch",
			Help:      "Epoch of the partition table held by the node.",
		}),
		Imported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "imported_mutations_total",
			Help:      "Mutations imported from other nodes during migrations.",
		}),
		Exported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "exported_records_total",
			Help:      "Records exported to other nodes during migrations.",
		}),
	}
	reg.MustRegister(m.Ops, m.OpDuration, m.TableEpoch, m.Imported, m.Exported)
	return m
}

// Observe records one finished operation
func (m *Storage) Observe(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.Ops.WithLabelValues(op, result).Inc()
	m.OpDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// Admin holds the collectors of the admin process.
type Admin struct {
	Servers        prometheus.Gauge
	TableEpoch     prometheus.Gauge
	Migrations     *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	MovedRecords   prometheus.Counter
	UnhealthyNodes prometheus.Gauge
}

// NewAdmin registers admin collectors with reg.
func NewAdmin(reg prometheus.Registerer) *Admin {
	m := &Admin{
		Servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "storage_servers",
			Help:      "Registered storage servers.",
		}),
		TableEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "table_epoch",
			Help:      "Epoch of the live partition table.",
		}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "migration_attempts_total",
			Help:      "Partition migration attempts by result.",
		}, []string{"result"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "migration_phase_seconds",
			Help:      "Duration of migration phases.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"phase"}),
		MovedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "migrated_records_total",
			Help:      "Records copied by bulk copy and catch-up.",
		}),
		UnhealthyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "unhealthy_storage_servers",
			Help:      "Storage servers failing health checks.",
		}),
	}
	reg.MustRegister(m.Servers, m.TableEpoch, m.Migrations, m.PhaseDuration, m.MovedRecords, m.UnhealthyNodes)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
