// Package metrics provides Prometheus metrics collection for memfs.
//
// Metrics are optional. Components given a nil Recorder fall back to Noop,
// so the filesystem runs the same with or without collection enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder observes the node lifecycle, namespace operations and file I/O
// of one mounted filesystem.
type Recorder interface {
	// NodeAllocated records a newly allocated node of the given kind.
	NodeAllocated(kind string)

	// NodeDestroyed records the destruction of a node of the given kind.
	NodeDestroyed(kind string)

	// RecordOperation records a completed namespace or I/O operation with its
	// name, duration and outcome.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes moved through file handles.
	// direction is "read" or "write".
	RecordBytes(direction string, n int)

	// SetOpenFiles updates the number of open file handles.
	SetOpenFiles(count int64)
}

type promRecorder struct {
	nodesLive         *prometheus.GaugeVec
	nodesAllocated    *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
	openFiles         prometheus.Gauge
}

// New creates a Prometheus-backed Recorder registered with reg.
// A nil reg yields a no-op Recorder.
func New(reg prometheus.Registerer) Recorder {
	if reg == nil {
		return Noop()
	}
	return &promRecorder{
		nodesLive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "memfs_nodes_live",
				Help: "Nodes allocated and not yet destroyed, by kind",
			},
			[]string{"kind"},
		),
		nodesAllocated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "memfs_nodes_allocated_total",
				Help: "Total nodes allocated, by kind",
			},
			[]string{"kind"},
		),
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "memfs_operations_total",
				Help: "Total filesystem operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "memfs_operation_duration_microseconds",
				Help: "Duration of filesystem operations in microseconds",
				Buckets: []float64{
					1,      // 1µs
					10,     // 10µs
					100,    // 100µs
					1000,   // 1ms
					10000,  // 10ms
					100000, // 100ms
				},
			},
			[]string{"operation"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "memfs_bytes_total",
				Help: "Total bytes moved through file handles",
			},
			[]string{"direction"},
		),
		openFiles: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "memfs_open_files",
				Help: "Current number of open file handles",
			},
		),
	}
}

func (m *promRecorder) NodeAllocated(kind string) {
	m.nodesAllocated.WithLabelValues(kind).Inc()
	m.nodesLive.WithLabelValues(kind).Inc()
}

func (m *promRecorder) NodeDestroyed(kind string) {
	m.nodesLive.WithLabelValues(kind).Dec()
}

func (m *promRecorder) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(duration.Microseconds()))
}

func (m *promRecorder) RecordBytes(direction string, n int) {
	if n > 0 {
		m.bytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *promRecorder) SetOpenFiles(count int64) {
	m.openFiles.Set(float64(count))
}

type noopRecorder struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}

func (noopRecorder) NodeAllocated(string)                          {}
func (noopRecorder) NodeDestroyed(string)                          {}
func (noopRecorder) RecordOperation(string, time.Duration, error) {}
func (noopRecorder) RecordBytes(string, int)                       {}
func (noopRecorder) SetOpenFiles(int64)                            {}
