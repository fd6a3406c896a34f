// Package metrics exposes dispatch and trigger counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

const namespace = "unitalert"

// Collector owns its own registry so tests never collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	DispatchOutcomes *prometheus.CounterVec
	TriggerRuns      *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Per-recipient dispatch outcomes",
		}, []string{"transport", "status"}),
		TriggerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_runs_total",
			Help:      "Trigger adapter runs by result",
		}, []string{"trigger", "result"}),
	}
	reg.MustRegister(c.DispatchOutcomes, c.TriggerRuns)
	return c
}

// RecordReport adds every outcome of a dispatch.
func (c *Collector) RecordReport(report dispatch.Report) {
	for _, o := range report.Outcomes {
		transport := string(o.Transport)
		if transport == "" {
			transport = "none"
		}
		c.DispatchOutcomes.WithLabelValues(transport, string(o.Status)).Inc()
	}
}

// RecordTrigger counts one trigger run.
func (c *Collector) RecordTrigger(trigger, result string) {
	c.TriggerRuns.WithLabelValues(trigger, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
