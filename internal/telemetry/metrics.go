/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry contains Prometheus collectors and OpenTelemetry
// tracing setup for the zonecast process.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks playback sessions per zone (0 or 1).
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zonecast_active_sessions",
		Help: "Active playback sessions per zone.",
	}, []string{"zone"})

	// EngineRestarts counts transcode engine restarts by reason.
	EngineRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonecast_engine_restarts_total",
		Help: "Transcode engine restarts by zone and reason.",
	}, []string{"zone", "reason"})

	// EngineBytes counts bytes emitted per zone and output profile.
	EngineBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonecast_engine_bytes_total",
		Help: "Bytes emitted by the transcode engine per zone and profile.",
	}, []string{"zone", "profile"})

	// Subscribers tracks fanout subscriber counts per zone and profile.
	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zonecast_subscribers",
		Help: "Active fanout subscribers per zone and profile.",
	}, []string{"zone", "profile"})

	// SubscriberDrops counts whole-chunk drops on slow subscribers.
	SubscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonecast_subscriber_drops_total",
		Help: "Chunks dropped because a subscriber queue was full.",
	}, []string{"zone", "profile"})

	// OutputErrors counts user-visible output faults.
	OutputErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonecast_output_errors_total",
		Help: "Output errors surfaced to the notifier per zone.",
	}, []string{"zone"})

	// ProxyRequests counts output stream proxy requests by result.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zonecast_proxy_requests_total",
		Help: "Output stream proxy requests by kind and result.",
	}, []string{"kind", "result"})

	// GroupCount tracks the number of active playback groups.
	GroupCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zonecast_groups",
		Help: "Active playback groups.",
	})

	// APIRequestDuration observes admin/gateway request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zonecast_http_request_duration_seconds",
		Help:    "HTTP request latency by endpoint and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zonecast_http_active_connections",
		Help: "In-flight HTTP requests.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
