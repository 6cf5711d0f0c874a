// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ErrStreamClosed is returned by writes after a terminal event.
var ErrStreamClosed = errors.New("stream already terminated")

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes chat stream events to an HTTP response.
//
// # Description
//
// Every event is written as one frame, `data: <json>\n\n`, and flushed
// immediately. Once WriteComplete or WriteError has succeeded, every later
// write returns ErrStreamClosed, so a stream carries at most one terminal
// event.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The keep-alive
// goroutine writes alongside the generation callbacks.
//
// # Assumptions
//
//   - SetSSEHeaders was called before the first write.
type SSEWriter interface {
	// WriteConnectionEstablished writes the opening event.
	WriteConnectionEstablished() error

	// WriteChunk writes one content_chunk event.
	WriteChunk(text string) error

	// WriteComplete writes the content_complete event and closes the stream.
	WriteComplete(promptTokenSize, responseTokenSize int, chatID string) error

	// WriteError writes an error event and closes the stream.
	//
	// # Limitations
	//
	//   - message is sent verbatim; callers pass only client-safe text.
	WriteError(message string) error

	// WriteKeepAlive writes an SSE comment frame that clients ignore.
	WriteKeepAlive() error

	// Closed reports whether a terminal event has been written.
	Closed() bool
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	closed  bool
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter over w.
//
// # Outputs
//
//   - SSEWriter: Ready for writes.
//   - error: Non-nil if w does not implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// writeFrame marshals payload and writes it as one data frame. Caller
// holds mu.
func (w *sseWriter) writeFrame(payload any) error {
	if w.closed {
		return ErrStreamClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteConnectionEstablished() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrame(datatypes.ConnectionEstablishedPayload{Type: datatypes.EventConnectionEstablished})
}

func (w *sseWriter) WriteChunk(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeFrame(datatypes.ContentChunkPayload{Type: datatypes.EventContentChunk, Text: text})
}

func (w *sseWriter) WriteComplete(promptTokenSize, responseTokenSize int, chatID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.writeFrame(datatypes.ContentCompletePayload{
		Type:              datatypes.EventContentComplete,
		PromptTokenSize:   promptTokenSize,
		ResponseTokenSize: responseTokenSize,
		ChatID:            chatID,
	})
	if err == nil {
		w.closed = true
	}
	return err
}

func (w *sseWriter) WriteError(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.writeFrame(datatypes.StreamErrorPayload{Type: datatypes.EventError, Message: message})
	if err == nil {
		w.closed = true
	}
	return err
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// =============================================================================
// Helpers
// =============================================================================

// SetSSEHeaders sets the standard SSE response headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
