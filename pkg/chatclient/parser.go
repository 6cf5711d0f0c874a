// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatclient is the Go client for the AleutianChat HTTP API.
//
// This file contains the frame parser. A frame is everything between two
// blank lines of the event stream:
//
//	data: {"type":"content_chunk","text":"Hel"}\n
//	\n
//
// Parsers ONLY parse. I/O and callback sequencing live in consumer.go.
package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMalformedFrame matches any *MalformedFrameError.
	ErrMalformedFrame = errors.New("malformed stream frame")

	// ErrUnexpectedEnd is reported when the body ends before a
	// content_complete or error event.
	ErrUnexpectedEnd = errors.New("stream ended unexpectedly")
)

// MalformedFrameError is a frame whose data payload is not valid JSON.
// Consumption stops at the first one.
type MalformedFrameError struct {
	Frame string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed stream frame %q: %v", truncate(e.Frame, 80), e.Err)
}

// Is reports ErrMalformedFrame.
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Frame Parsing
// =============================================================================

// parseFrame decodes one frame, without its trailing blank line.
//
// # Description
//
// All "data:" lines of the frame are joined with "\n" and decoded as one
// JSON payload. Comment lines (":") and other SSE fields (event, id,
// retry) are ignored.
//
// # Outputs
//
//   - *datatypes.StreamEvent: Parsed event, nil for a frame with no data
//     (keep-alive comments, stray blank lines).
//   - error: *MalformedFrameError when the payload is not JSON.
func parseFrame(frame string) (*datatypes.StreamEvent, error) {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(payload, " "))
		}
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ev datatypes.StreamEvent
	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
		return nil, &MalformedFrameError{Frame: frame, Err: err}
	}
	return &ev, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
