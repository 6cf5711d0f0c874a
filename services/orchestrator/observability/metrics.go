// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for the chat API. Metrics include:
//   - Request and error counters by endpoint
//   - Token usage by direction
//   - Stream latency histograms (time to first chunk, total duration)
//   - Active stream gauge, keep-alive and disconnect counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
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

// ChatMetrics holds every Prometheus collector of the chat API.
type ChatMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	ErrorsTotal             *prometheus.CounterVec
	TokensTotal             *prometheus.CounterVec
	ActiveStreams           prometheus.Gauge
	StreamDurationSeconds   *prometheus.HistogramVec
	TimeToFirstChunkSeconds *prometheus.HistogramVec
	ChunksTotal             *prometheus.CounterVec
	KeepAlivesTotal         prometheus.Counter
	ClientDisconnectsTotal  prometheus.Counter
}

// DefaultMetrics is the process-wide instance set by InitMetrics. Handlers
// skip recording while it is nil.
var DefaultMetrics *ChatMetrics

// InitMetrics registers the collectors with the default Prometheus
// registry and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice in one process (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = NewChatMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewChatMetrics registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	f := promauto.With(reg)
	return &ChatMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total chat API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat API errors by endpoint and error code",
			},
			[]string{"endpoint", "code"},
		),
		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total provider tokens by direction",
			},
			[]string{"direction"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of open SSE streams",
			},
		),
		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint"},
		),
		TimeToFirstChunkSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first content chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		ChunksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "chunks_total",
				Help:      "Total content chunks relayed to clients",
			},
			[]string{"endpoint"},
		),
		KeepAlivesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keep-alive comments written to streams",
			},
		),
		ClientDisconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total streams whose client went away before the terminal event",
			},
		),
	}
}

// =============================================================================
// Labels
// =============================================================================

// ErrorCode categorizes failures for the errors_total metric.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeStoreError       ErrorCode = "store_error"
	ErrorCodeMissingChatID    ErrorCode = "missing_chat_id"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
)

// Endpoint names an API operation for metric labels.
type Endpoint string

const (
	EndpointCreateChat  Endpoint = "create_chat"
	EndpointSendMessage Endpoint = "send_message"
	EndpointStream      Endpoint = "prompt_stream"
	EndpointTokens      Endpoint = "count_tokens"
	EndpointGetChat     Endpoint = "get_chat"
	EndpointListChats   Endpoint = "list_chats"
)

// =============================================================================
// Recording
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (m *ChatMetrics) RecordRequest(endpoint Endpoint, success bool) {
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens adds provider token counts. Zero counts are still recorded
// so the series exist from the first request.
func (m *ChatMetrics) RecordTokens(promptTokens, responseTokens int) {
	m.TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	m.TokensTotal.WithLabelValues("response").Add(float64(responseTokens))
}

func (m *ChatMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

func (m *ChatMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64) {
	m.StreamDurationSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

func (m *ChatMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

func (m *ChatMetrics) RecordChunk(endpoint Endpoint) {
	m.ChunksTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *ChatMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

func (m *ChatMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
