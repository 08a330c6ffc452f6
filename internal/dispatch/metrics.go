package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatcher activity. The dead-letter counter is the one
// operators alert on: a non-zero rate means events are being set aside.
type Metrics struct {
	Enqueued     *prometheus.CounterVec
	Delivered    *prometheus.CounterVec
	Retried      *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
	FallbackSize prometheus.Gauge
}

// NewMetrics registers dispatcher metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_dispatcher_enqueued_total",
			Help: "Events accepted by the dispatcher, by topic.",
		}, []string{"topic"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_dispatcher_delivered_total",
			Help: "Events successfully delivered to the sink, by topic.",
		}, []string{"topic"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_dispatcher_retried_total",
			Help: "Delivery attempts that failed and were rescheduled, by topic.",
		}, []string{"topic"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_dispatcher_dead_lettered_total",
			Help: "Events moved to the dead-letter set after exhausting retries, by topic.",
		}, []string{"topic"}),
		FallbackSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "approvals_dispatcher_fallback_buffer_size",
			Help: "Events held in the in-process fallback buffer awaiting durable storage.",
		}),
	}
}
