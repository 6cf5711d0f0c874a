// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// readBufferSize is the size of each read from the response body.
const readBufferSize = 4096

var frameDelimiter = []byte("\n\n")

// Completion is the metadata of a content_complete event.
type Completion struct {
	PromptTokenSize   int
	ResponseTokenSize int
	ChatID            string
}

// StreamCallbacks receives the events of one stream.
//
// OnChunk runs once per content_chunk, in arrival order. Then exactly one
// of OnComplete or OnError runs. Nil callbacks are skipped.
type StreamCallbacks struct {
	OnChunk    func(text string)
	OnComplete func(c Completion)
	OnError    func(err error)
}

// ServerError is an error event sent by the server. Message is the text
// the server chose to show users.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// =============================================================================
// Consumer
// =============================================================================

// Consume reads an event stream from r and dispatches it to cb.
//
// # Description
//
// Bytes are buffered across reads; a frame is handled only once its
// blank-line delimiter has arrived, so frames split over several network
// reads parse correctly. CRLF line endings are accepted.
//
//   - content_chunk → OnChunk(text)
//   - content_complete → OnComplete, then reading stops
//   - error → OnError(*ServerError), then reading stops
//   - connection_established and comment frames are skipped
//   - unknown types are logged at Warn and skipped
//
// # Inputs
//
//   - ctx: Checked between reads. Cancel the HTTP request to interrupt a
//     blocked read.
//   - r: Response body. The caller closes it.
//   - cb: Event callbacks.
//   - logger: Receives unknown-type warnings. Nil uses slog.Default().
//
// # Outputs
//
//   - error: nil after content_complete, otherwise the same error passed
//     to OnError: *ServerError, *MalformedFrameError, ErrUnexpectedEnd,
//     the context error, or the read error.
func Consume(ctx context.Context, r io.Reader, cb StreamCallbacks, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fail := func(err error) error {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	var pending []byte
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			pending = normalizeNewlines(append(pending, buf[:n]...))
			for {
				idx := bytes.Index(pending, frameDelimiter)
				if idx < 0 {
					break
				}
				frame := string(pending[:idx])
				pending = pending[idx+len(frameDelimiter):]

				done, err := dispatch(frame, cb, logger)
				if err != nil {
					return fail(err)
				}
				if done {
					return nil
				}
			}
		}

		if readErr == nil {
			continue
		}
		if !errors.Is(readErr, io.EOF) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(fmt.Errorf("read stream: %w", readErr))
		}

		// A final frame may arrive without its delimiter.
		if rest := bytes.TrimRight(pending, "\r\n"); len(rest) > 0 {
			done, err := dispatch(string(rest), cb, logger)
			if err != nil {
				return fail(err)
			}
			if done {
				return nil
			}
		}
		return fail(ErrUnexpectedEnd)
	}
}

// dispatch handles one frame and reports whether it was terminal.
// A server error event is returned as *ServerError.
func dispatch(frame string, cb StreamCallbacks, logger *slog.Logger) (bool, error) {
	ev, err := parseFrame(frame)
	if err != nil {
		return true, err
	}
	if ev == nil {
		return false, nil
	}

	switch ev.Type {
	case datatypes.EventConnectionEstablished:
		return false, nil
	case datatypes.EventContentChunk:
		if cb.OnChunk != nil {
			cb.OnChunk(ev.Text)
		}
		return false, nil
	case datatypes.EventContentComplete:
		if cb.OnComplete != nil {
			cb.OnComplete(Completion{
				PromptTokenSize:   ev.PromptTokenSize,
				ResponseTokenSize: ev.ResponseTokenSize,
				ChatID:            ev.ChatID,
			})
		}
		return true, nil
	case datatypes.EventError:
		return true, &ServerError{Message: ev.Message}
	default:
		logger.Warn("Ignoring unknown stream event", "type", ev.Type)
		return false, nil
	}
}

// normalizeNewlines rewrites CRLF to LF. A trailing CR is kept until its
// LF arrives with the next read.
func normalizeNewlines(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}
