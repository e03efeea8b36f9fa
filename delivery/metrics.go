/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kdeliver"

var (
	metricSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "sender",
		Name:      "send_duration_seconds",
		Help:      "Duration of successful SMTP sends.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	metricPoolBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "sender",
		Name:      "pool_builds_total",
		Help:      "Number of SMTP transports built.",
	})
	metricPoolTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "sender",
		Name:      "pool_transports",
		Help:      "Number of pooled SMTP transports.",
	})
	metricRcptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "delivery",
		Name:      "recipient_outcomes_total",
		Help:      "Recipient outcomes per transfer method.",
	}, []string{"transfer", "outcome"})
	metricPlacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "delivery",
		Name:      "placements_total",
		Help:      "Queue placements after delivery passes.",
	}, []string{"placement"})
	metricSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "deferred",
		Name:      "sweeps_total",
		Help:      "Number of deferred queue sweeps.",
	})
	metricSweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "deferred",
		Name:      "not_ready_total",
		Help:      "Deferred messages skipped because their retry was not due.",
	})
)
