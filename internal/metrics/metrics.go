package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics: счётчики движка, секвенсора и релея.
// Нулевой или nil *Metrics ничего не пишет, поэтому в тестах его можно не создавать.
type Metrics struct {
	batchItems   *prometheus.CounterVec
	batchLatency *prometheus.HistogramVec

	sequenced  *prometheus.CounterVec
	seqFailed  *prometheus.CounterVec
	seqBacklog prometheus.Gauge

	relayed      *prometheus.CounterVec
	relayLatency *prometheus.HistogramVec

	jobDuration *prometheus.HistogramVec
	jobFailure  *prometheus.CounterVec
}

// New регистрирует коллекторы на reg. При reg == nil возвращает пустой Metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordersync_batch_items_total",
			Help: "Processed batch items by command and outcome kind.",
		}, []string{"code", "kind"}),
		batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordersync_batch_duration_seconds",
			Help:    "Duration of whole batches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"code"}),
		sequenced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordersync_sequencer_assigned_total",
			Help: "Tracking numbers assigned per bucket.",
		}, []string{"bucket"}),
		seqFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordersync_sequencer_failed_total",
			Help: "Failed tracking number assignments per bucket.",
		}, []string{"bucket"}),
		seqBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ordersync_sequencer_backlog",
			Help: "Orders waiting in the sequencer queue.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordersync_relay_events_total",
			Help: "Outbox deliveries by kind and result.",
		}, []string{"kind", "result"}),
		relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordersync_relay_delivery_seconds",
			Help:    "Latency of a single outbox delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordersync_job_duration_seconds",
			Help:    "Duration of scheduled jobs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordersync_job_failure_total",
			Help: "Failed scheduled job executions.",
		}, []string{"job"}),
	}
	reg.MustRegister(
		m.batchItems, m.batchLatency,
		m.sequenced, m.seqFailed, m.seqBacklog,
		m.relayed, m.relayLatency,
		m.jobDuration, m.jobFailure,
	)
	return m
}

func (m *Metrics) BatchItem(code, kind string) {
	if m == nil || m.batchItems == nil {
		return
	}
	m.batchItems.WithLabelValues(label(code), label(kind)).Inc()
}

func (m *Metrics) BatchDuration(code string, d time.Duration) {
	if m == nil || m.batchLatency == nil {
		return
	}
	m.batchLatency.WithLabelValues(label(code)).Observe(d.Seconds())
}

func (m *Metrics) Sequenced(bucket string) {
	if m == nil || m.sequenced == nil {
		return
	}
	m.sequenced.WithLabelValues(label(bucket)).Inc()
}

func (m *Metrics) SequenceFailed(bucket string) {
	if m == nil || m.seqFailed == nil {
		return
	}
	m.seqFailed.WithLabelValues(label(bucket)).Inc()
}

func (m *Metrics) SequencerBacklog(n int) {
	if m == nil || m.seqBacklog == nil {
		return
	}
	m.seqBacklog.Set(float64(n))
}

// Relayed считает результат доставки одной строки outbox (done, retry или dead).
func (m *Metrics) Relayed(kind, result string, d time.Duration) {
	if m == nil || m.relayed == nil {
		return
	}
	m.relayed.WithLabelValues(label(kind), label(result)).Inc()
	m.relayLatency.WithLabelValues(label(kind)).Observe(d.Seconds())
}

func (m *Metrics) JobRun(job string, d time.Duration, err error) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(label(job)).Observe(d.Seconds())
	if err != nil {
		m.jobFailure.WithLabelValues(label(job)).Inc()
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
