package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all leadgate Prometheus metrics.
type Metrics struct {
	PublishedTotal     *prometheus.CounterVec
	ConsumedTotal      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	DeadLetteredTotal  *prometheus.CounterVec
	OffsetWatermark    *prometheus.GaugeVec
}

// NewMetrics creates and registers all leadgate metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadgate_published_total",
			Help: "Lead events published, by transaction outcome.",
		}, []string{"status"}),

		ConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadgate_consumed_total",
			Help: "Records handled per consumer role and outcome.",
		}, []string{"role", "outcome"}),

		ProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadgate_processing_duration_seconds",
			Help:    "Time from receipt to final outcome of one record, retries included.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"role"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadgate_retries_total",
			Help: "Scheduled retries of retryable failures.",
		}, []string{"role"}),

		DeadLetteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leadgate_dead_lettered_total",
			Help: "Records sent to the dead-letter topic.",
		}, []string{"role", "reason"}),

		OffsetWatermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leadgate_offset_watermark",
			Help: "Highest offset recorded in the offset ledger.",
		}, []string{"topic", "partition"}),
	}
}

// ObserveWatermark sets the watermark gauge for one partition. Nil-safe.
func (m *Metrics) ObserveWatermark(topic string, partition int32, offset int64) {
	if m == nil {
		return
	}
	m.OffsetWatermark.WithLabelValues(topic, strconv.FormatInt(int64(partition), 10)).Set(float64(offset))
}
