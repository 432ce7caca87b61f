// Package metrics holds the engine-side Prometheus collectors. HTTP-level
// collectors live with the router.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// Deployments tracks deployment outcomes and runtimes.
type Deployments struct {
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewDeployments builds and registers the deployment collectors. Repeated
// registration reuses the existing collectors.
func NewDeployments() *Deployments {
	d := &Deployments{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "engine",
			Name:      "deployments_total",
			Help:      "Count of finished deployments by terminal status",
		}, []string{"status", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployd",
			Subsystem: "engine",
			Name:      "deployment_duration_seconds",
			Help:      "Wall-clock runtime of finished deployments",
			Buckets:   durationBuckets,
		}, []string{"status"}),
	}

	if err := prometheus.Register(d.results); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			d.results = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	if err := prometheus.Register(d.duration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			d.duration = already.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return d
}

// ObserveResult records one finished deployment.
func (d *Deployments) ObserveResult(status, reason string, runtime time.Duration) {
	d.results.With(prometheus.Labels{"status": status, "reason": reason}).Inc()
	if runtime > 0 {
		d.duration.With(prometheus.Labels{"status": status}).Observe(runtime.Seconds())
	}
}
