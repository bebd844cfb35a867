package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	MessagesSent       *prometheus.CounterVec // by kind
	MessagesReceived   *prometheus.CounterVec // by kind
	DuplicatesDropped  prometheus.Counter
	MalformedEnvelopes prometheus.Counter
	AuthResults        *prometheus.CounterVec // by action, outcome
	Connected          prometheus.Gauge
	SaveDuration       prometheus.Histogram
	SaveFailures       prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_messages_sent_total",
				Help: "Total messages sent",
			},
			[]string{"kind"}, // text, image, video or opaque
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_messages_received_total",
				Help: "Total inbound messages appended to history",
			},
			[]string{"kind"},
		),
		DuplicatesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherchat_duplicates_dropped_total",
				Help: "Total inbound messages dropped as redeliveries",
			},
		),
		MalformedEnvelopes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherchat_malformed_envelopes_total",
				Help: "Total inbound messages whose envelope could not be decoded",
			},
		),
		AuthResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cipherchat_auth_results_total",
				Help: "Total login and register results",
			},
			[]string{"action", "outcome"}, // outcome: success or failure
		),
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cipherchat_connected",
				Help: "1 while a backend connection is established",
			},
		),
		SaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cipherchat_save_duration_seconds",
				Help:    "Message history save latency",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		SaveFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cipherchat_save_failures_total",
				Help: "Total failed message history saves",
			},
		),
	}
}

func (m *Metrics) sent(kind Kind) {
	if m != nil {
		m.MessagesSent.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) received(kind Kind) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.DuplicatesDropped.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedEnvelopes.Inc()
	}
}

func (m *Metrics) authResult(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.AuthResults.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) saved(start time.Time, err error) {
	if m == nil {
		return
	}
	m.SaveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.SaveFailures.Inc()
	}
}
