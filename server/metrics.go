// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instrumentation. Queue
// shedding is surfaced only here and as per-connection counters —
// dropping events under backpressure is policy, not an error, so
// senders are never notified.
type Metrics struct {
	connectionsActive    prometheus.Gauge
	roomsActive          prometheus.Gauge
	handshakesTotal      *prometheus.CounterVec
	broadcastsTotal      prometheus.Counter
	framesDeliveredTotal prometheus.Counter
	framesDroppedTotal   prometheus.Counter
}

// NewMetrics registers the relay metrics with registerer. A nil
// registerer gets a private registry, which keeps independent server
// instances (and tests) from colliding on the process-global default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Number of currently registered connections, including pending handshakes",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one subscribed connection",
		}),

		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result",
		}, []string{"result"}),

		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "broadcasts_total",
			Help:      "Total broadcast operations, including those with no recipients",
		}),

		framesDeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "frames_delivered_total",
			Help:      "Event frames enqueued to recipients by broadcasts",
		}),

		framesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "multichat",
			Subsystem: "server",
			Name:      "frames_dropped_total",
			Help:      "Event frames shed from slow consumers' outbound queues",
		}),
	}
}
