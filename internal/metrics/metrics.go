// Package metrics holds the Prometheus collectors for chunk storage.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "worldstore"

// Metrics groups region-file and I/O worker collectors.
type Metrics struct {
	ChunkReads     prometheus.Counter
	ChunkWrites    *prometheus.CounterVec // label: placement (region, external, delete)
	ChunkBytes     prometheus.Counter
	CorruptChunks  prometheus.Counter
	WriteRetries   prometheus.Counter
	SaveFailures   prometheus.Counter
	LoadFailures   prometheus.Counter
	Misplaced      prometheus.Counter
	OpenRegions    prometheus.Gauge
	Evictions      prometheus.Counter
	PendingWrites  prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec // label: band
	StoreDuration  prometheus.Histogram
	ColumnsWritten prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunkReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "chunk_reads_total",
			Help: "Chunks read from region files",
		}),
		ChunkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "chunk_writes_total",
			Help: "Chunk writes by placement",
		}, []string{"placement"}),
		ChunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "chunk_bytes_written_total",
			Help: "Compressed chunk bytes written",
		}),
		CorruptChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "corrupt_chunks_total",
			Help: "Chunk slots found corrupt and treated as absent",
		}),
		WriteRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "write_retries_total",
			Help: "Chunk write attempts retried after an I/O failure",
		}),
		SaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "save_failures_total",
			Help: "Chunk writes that failed after all retries",
		}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "load_failures_total",
			Help: "Chunk reads that failed with an I/O error",
		}),
		Misplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "misplaced_chunks_total",
			Help: "Chunks whose payload reports a different position",
		}),
		OpenRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "region", Name: "open_files",
			Help: "Region files currently open",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "region", Name: "evictions_total",
			Help: "Region files closed by cache eviction",
		}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ioworker", Name: "pending_writes",
			Help: "Chunk writes buffered and not yet durable",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ioworker", Name: "queue_depth",
			Help: "Queued worker tasks by priority band",
		}, []string{"band"}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ioworker", Name: "store_duration_seconds",
			Help:    "Time to make one pending write durable",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ColumnsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "section", Name: "columns_written_total",
			Help: "Section columns serialized and handed to the worker",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunkReads, m.ChunkWrites, m.ChunkBytes, m.CorruptChunks,
			m.WriteRetries, m.SaveFailures, m.LoadFailures, m.Misplaced,
			m.OpenRegions, m.Evictions, m.PendingWrites, m.QueueDepth,
			m.StoreDuration, m.ColumnsWritten,
		)
	}
	return m
}

func (m *Metrics) ChunkRead() {
	if m == nil {
		return
	}
	m.ChunkReads.Inc()
}

// ChunkWritten records a write; placement is "region", "external" or "delete".
func (m *Metrics) ChunkWritten(placement string, bytes int) {
	if m == nil {
		return
	}
	m.ChunkWrites.WithLabelValues(placement).Inc()
	m.ChunkBytes.Add(float64(bytes))
}

func (m *Metrics) CorruptChunk() {
	if m == nil {
		return
	}
	m.CorruptChunks.Inc()
}

func (m *Metrics) WriteRetry() {
	if m == nil {
		return
	}
	m.WriteRetries.Inc()
}

func (m *Metrics) SaveFailure() {
	if m == nil {
		return
	}
	m.SaveFailures.Inc()
}

func (m *Metrics) LoadFailure() {
	if m == nil {
		return
	}
	m.LoadFailures.Inc()
}

func (m *Metrics) MisplacedChunk() {
	if m == nil {
		return
	}
	m.Misplaced.Inc()
}

func (m *Metrics) SetOpenRegions(n int) {
	if m == nil {
		return
	}
	m.OpenRegions.Set(float64(n))
}

func (m *Metrics) RegionEvicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) SetPendingWrites(n int) {
	if m == nil {
		return
	}
	m.PendingWrites.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(band string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(band).Set(float64(n))
}

func (m *Metrics) ObserveStore(d time.Duration) {
	if m == nil {
		return
	}
	m.StoreDuration.Observe(d.Seconds())
}

func (m *Metrics) ColumnWritten() {
	if m == nil {
		return
	}
	m.ColumnsWritten.Inc()
}
