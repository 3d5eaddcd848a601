// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/mongoriver/core/river"
)

const metricsNamespace = "mongoriver"

const (
	riverLabel     = "river"
	actionLabel    = "action"
	outcomeLabel   = "outcome"
	namespaceLabel = "namespace"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Collector is a prometheus.Collector that collects metrics about the
// rivers run by an agent.
type Collector struct {
	eventsProduced    *prometheus.CounterVec
	eventsIndexed     *prometheus.CounterVec
	bulkRequests      *prometheus.CounterVec
	bulkDuration      *prometheus.HistogramVec
	reconcileActions  *prometheus.CounterVec
	reconcileErrors   *prometheus.CounterVec
	checkpointSeconds *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		eventsProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_produced_total",
				Help:      "The number of change events read from the source.",
			}, []string{riverLabel},
		),
		eventsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_indexed_total",
				Help:      "The number of change events written to the target.",
			}, []string{riverLabel},
		),
		bulkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "bulk_requests_total",
				Help:      "The number of bulk requests sent to the target.",
			}, []string{riverLabel, outcomeLabel},
		),
		bulkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "bulk_duration_seconds",
				Help:      "The time taken by bulk requests to the target.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			}, []string{riverLabel},
		),
		reconcileActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_actions_total",
				Help:      "The number of actions taken by the reconciler.",
			}, []string{riverLabel, actionLabel},
		),
		reconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_errors_total",
				Help:      "The number of failed reconcile attempts.",
			}, []string{riverLabel},
		),
		checkpointSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "checkpoint_timestamp_seconds",
				Help:      "The source time of the last committed checkpoint.",
			}, []string{riverLabel, namespaceLabel},
		),
	}
}

// EventProduced counts an event put on a river's queue.
func (c *Collector) EventProduced(name string) {
	c.eventsProduced.WithLabelValues(name).Inc()
}

// BulkWritten records a bulk request of n events.
func (c *Collector) BulkWritten(name string, n int, took time.Duration, err error) {
	c.bulkDuration.WithLabelValues(name).Observe(took.Seconds())
	if err != nil {
		c.bulkRequests.WithLabelValues(name, outcomeFailure).Inc()
		return
	}
	c.bulkRequests.WithLabelValues(name, outcomeSuccess).Inc()
	c.eventsIndexed.WithLabelValues(name).Add(float64(n))
}

// CheckpointCommitted records the committed position of a namespace.
func (c *Collector) CheckpointCommitted(name, key string, pos river.Position) {
	c.checkpointSeconds.WithLabelValues(name, key).Set(float64(pos.T))
}

// ReconcileAction counts an action taken for a river.
func (c *Collector) ReconcileAction(name, action string) {
	c.reconcileActions.WithLabelValues(name, action).Inc()
}

// ReconcileError counts a failed reconcile of a river.
func (c *Collector) ReconcileError(name string) {
	c.reconcileErrors.WithLabelValues(name).Inc()
}

// Forget drops every series of a deleted river.
func (c *Collector) Forget(name string) {
	labels := prometheus.Labels{riverLabel: name}
	c.eventsProduced.DeletePartialMatch(labels)
	c.eventsIndexed.DeletePartialMatch(labels)
	c.bulkRequests.DeletePartialMatch(labels)
	c.bulkDuration.DeletePartialMatch(labels)
	c.reconcileActions.DeletePartialMatch(labels)
	c.reconcileErrors.DeletePartialMatch(labels)
	c.checkpointSeconds.DeletePartialMatch(labels)
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.eventsProduced.Describe(ch)
	c.eventsIndexed.Describe(ch)
	c.bulkRequests.Describe(ch)
	c.bulkDuration.Describe(ch)
	c.reconcileActions.Describe(ch)
	c.reconcileErrors.Describe(ch)
	c.checkpointSeconds.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.eventsProduced.Collect(ch)
	c.eventsIndexed.Collect(ch)
	c.bulkRequests.Collect(ch)
	c.bulkDuration.Collect(ch)
	c.reconcileActions.Collect(ch)
	c.reconcileErrors.Collect(ch)
	c.checkpointSeconds.Collect(ch)
}
