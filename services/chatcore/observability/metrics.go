// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat core.
//
// # Description
//
// Covers the streaming session lifecycle: requests, active streams, stream
// duration, tokens streamed, errors by code, and cancellations by policy.
// Metrics are exposed via the /metrics endpoint for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for streaming chat sessions.
//
// Initialize once at startup via InitMetrics(); a nil *ChatMetrics is safe
// to call, so components can run unmetered in tests.
type ChatMetrics struct {
	// StreamsTotal counts streaming turns by terminal phase
	// (completed, cancelled, failed).
	StreamsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently active streaming sessions.
	ActiveStreams prometheus.Gauge

	// StreamDurationSeconds measures total stream duration by terminal phase.
	StreamDurationSeconds *prometheus.HistogramVec

	// TokensStreamedTotal counts token frames delivered to callers.
	TokensStreamedTotal prometheus.Counter

	// ErrorsTotal counts stream errors by error code.
	ErrorsTotal *prometheus.CounterVec

	// CancellationsTotal counts user cancellations by policy
	// (discard, commitPartial).
	CancellationsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent by the gateway.
	KeepAlivesTotal prometheus.Counter
}

// InitMetrics creates and registers all chat metrics on the default
// registry. Call once at startup; calling twice panics on duplicate
// registration.
func InitMetrics() *ChatMetrics {
	return &ChatMetrics{
		StreamsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "streams_total",
				Help:      "Total streaming turns by terminal phase",
			},
			[]string{"phase"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming sessions",
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds by terminal phase",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase"},
		),

		TokensStreamedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_streamed_total",
				Help:      "Total token frames delivered to callers",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total stream errors by error code",
			},
			[]string{"code"},
		),

		CancellationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "cancellations_total",
				Help:      "Total user cancellations by policy",
			},
			[]string{"policy"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
		),
	}
}

// =============================================================================
// Helper Methods (nil-safe)
// =============================================================================

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the gauge and records the terminal phase and
// duration of the session.
func (m *ChatMetrics) StreamEnded(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(phase).Inc()
	m.StreamDurationSeconds.WithLabelValues(phase).Observe(seconds)
}

// RecordToken counts one delivered token frame.
func (m *ChatMetrics) RecordToken() {
	if m == nil {
		return
	}
	m.TokensStreamedTotal.Inc()
}

// RecordError counts a stream error. Empty codes are bucketed as "unknown".
func (m *ChatMetrics) RecordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordCancellation counts a user cancellation by policy.
func (m *ChatMetrics) RecordCancellation(policy string) {
	if m == nil {
		return
	}
	m.CancellationsTotal.WithLabelValues(policy).Inc()
}

// RecordKeepAlive counts one keepalive ping.
func (m *ChatMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}
