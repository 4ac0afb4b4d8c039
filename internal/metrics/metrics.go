// Package metrics exposes dispatch counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"habitbot/internal/notification"
)

// Collector implements dispatcher.Metrics on Prometheus.
type Collector struct {
	outcomes    *prometheus.CounterVec
	claimLost   prometheus.Counter
	ticks       prometheus.Counter
	tickLatency prometheus.Histogram
	sendLatency prometheus.Histogram
	habits      prometheus.Gauge
}

// NewCollector builds a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "habitbot_notifications_total",
			Help: "Reminder delivery outcomes by status.",
		}, []string{"status"}),
		claimLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "habitbot_claims_lost_total",
			Help: "Slots skipped because another worker held the claim.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "habitbot_ticks_total",
			Help: "Completed dispatcher ticks.",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "habitbot_tick_duration_seconds",
			Help:    "Wall time of one dispatcher tick.",
			Buckets: prometheus.DefBuckets,
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "habitbot_send_duration_seconds",
			Help:    "Gateway send latency.",
			Buckets: prometheus.DefBuckets,
		}),
		habits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "habitbot_active_habits",
			Help: "Active habits seen by the last tick.",
		}),
	}
	reg.MustRegister(c.outcomes, c.claimLost, c.ticks, c.tickLatency, c.sendLatency, c.habits)
	return c
}

func (c *Collector) ObserveTick(d time.Duration, habits int) {
	c.ticks.Inc()
	c.tickLatency.Observe(d.Seconds())
	c.habits.Set(float64(habits))
}

func (c *Collector) ObserveOutcome(status notification.Status, sendLatency time.Duration) {
	c.outcomes.WithLabelValues(string(status)).Inc()
	if sendLatency > 0 {
		c.sendLatency.Observe(sendLatency.Seconds())
	}
}

func (c *Collector) ClaimLost() { c.claimLost.Inc() }

// Handler serves the Prometheus scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
