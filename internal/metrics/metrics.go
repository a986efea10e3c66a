// ChatterStack Relay - Real-Time Query Relay Service
// Copyright 2026 ChatterStack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chatterstack/relay

// Package metrics provides Prometheus instrumentation for the relay:
// connection lifecycle, in-flight queries, chunk throughput, terminal event
// outcomes, upstream failures, and notification delivery.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of authenticated WebSocket connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Current number of users with at least one live connection",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total connection attempts by outcome",
		},
		[]string{"outcome"}, // "admitted", "rejected"
	)

	// Query relay metrics
	InflightQueries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_inflight_queries",
			Help: "Current number of tracked in-flight queries",
		},
	)

	ChunksRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_chunks_relayed_total",
			Help: "Total answer chunks forwarded to clients",
		},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queries_total",
			Help: "Total queries by terminal outcome",
		},
		[]string{"outcome"}, // "done", "error", "cancelled"
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_query_duration_seconds",
			Help:    "Time from query submission to terminal event",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Upstream metrics
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Total upstream failures by classified code",
		},
		[]string{"code"},
	)

	UpstreamStatusCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_status_total",
			Help: "Total upstream HTTP responses by status code",
		},
		[]string{"status_code"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	// Notification bridge metrics
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_delivered_total",
			Help: "Total out-of-band notifications delivered, by source",
		},
		[]string{"source"}, // "http", "nats"
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_notifications_dropped_total",
			Help: "Total notifications targeting offline users",
		},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordUpstreamStatus records an upstream HTTP response status.
func RecordUpstreamStatus(status int) {
	UpstreamStatusCodes.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveQuery records a terminal query outcome and its duration.
func ObserveQuery(outcome string, start time.Time) {
	QueriesTotal.WithLabelValues(outcome).Inc()
	QueryDuration.Observe(time.Since(start).Seconds())
}
