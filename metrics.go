// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright 2025 Pete Heist

package main

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vcpsim"

// MetricsConfig configures the metrics written at the end of a run.
type MetricsConfig struct {
	// File is the prometheus text file to write, if not empty.
	File string `yaml:"file"`
}

// Metrics holds the collectors for one simulation.
type Metrics struct {
	registry *prometheus.Registry

	// link
	Arrivals    *prometheus.CounterVec
	Drops       *prometheus.CounterVec
	Transmitted *prometheus.CounterVec
	Stamped     *prometheus.CounterVec
	LoadFactor  *prometheus.GaugeVec
	QueueLength *prometheus.GaugeVec

	// flow
	Cwnd     *prometheus.GaugeVec
	Steps    *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	Losses   *prometheus.CounterVec
}

// NewMetrics returns a new Metrics registered with a new Registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "arrivals_total",
			Help:      "Packets offered to the link queue",
		}, []string{"link"}),

		Drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "drops_total",
			Help:      "Packets dropped because the queue limit was exceeded",
		}, []string{"link"}),

		Transmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "transmitted_bytes_total",
			Help:      "Bytes serialized onto the link",
		}, []string{"link"}),

		Stamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "stamped_total",
			Help:      "Packets leaving the estimator by merged load class",
		}, []string{"link", "class"}),

		LoadFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "load_factor",
			Help:      "Most recently computed load factor",
		}, []string{"link"}),

		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "link",
			Name:      "queue_packets",
			Help:      "Current queue length in packets",
		}, []string{"link"}),

		Cwnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "flow",
			Name:      "cwnd_bytes",
			Help:      "Current congestion window",
		}, []string{"flow"}),

		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "flow",
			Name:      "window_steps_total",
			Help:      "Window controller steps by kind (mi, ai, md)",
		}, []string{"flow", "step"}),

		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "flow",
			Name:      "rejected_updates_total",
			Help:      "Window increases rejected by the shrink guard",
		}, []string{"flow"}),

		Losses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "flow",
			Name:      "lost_segments_total",
			Help:      "Segments the sender detected as lost",
		}, []string{"flow"}),
	}
	m.registry.MustRegister(
		m.Arrivals,
		m.Drops,
		m.Transmitted,
		m.Stamped,
		m.LoadFactor,
		m.QueueLength,
		m.Cwnd,
		m.Steps,
		m.Rejected,
		m.Losses,
	)
	return m
}

// Registry returns the Registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteFile writes the metrics in the prometheus text format.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// flowLabel returns the label value for a flow.
func flowLabel(id FlowID) string {
	return strconv.Itoa(int(id))
}
