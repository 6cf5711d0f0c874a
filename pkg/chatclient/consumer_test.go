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
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// pieceReader returns one piece per Read call, simulating network reads
// that split frames at arbitrary points.
type pieceReader struct {
	pieces []string
	err    error
}

func (r *pieceReader) Read(p []byte) (int, error) {
	if len(r.pieces) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.pieces[0])
	if n < len(r.pieces[0]) {
		r.pieces[0] = r.pieces[0][n:]
	} else {
		r.pieces = r.pieces[1:]
	}
	return n, nil
}

// recorder captures callbacks in order.
type recorder struct {
	events    []string
	chunks    []string
	complete  *Completion
	err       error
	terminals int
}

func (r *recorder) callbacks() StreamCallbacks {
	return StreamCallbacks{
		OnChunk: func(text string) {
			r.events = append(r.events, "chunk")
			r.chunks = append(r.chunks, text)
		},
		OnComplete: func(c Completion) {
			r.events = append(r.events, "complete")
			r.complete = &c
			r.terminals++
		},
		OnError: func(err error) {
			r.events = append(r.events, "error")
			r.err = err
			r.terminals++
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func consume(t *testing.T, r io.Reader) (*recorder, error) {
	t.Helper()
	rec := &recorder{}
	err := Consume(context.Background(), r, rec.callbacks(), quietLogger())
	return rec, err
}

const happyStream = "data: {\"type\":\"connection_established\"}\n\n" +
	"data: {\"type\":\"content_chunk\",\"text\":\"He\"}\n\n" +
	"data: {\"type\":\"content_chunk\",\"text\":\"llo\"}\n\n" +
	"data: {\"type\":\"content_complete\",\"promptTokenSize\":1,\"responseTokenSize\":2,\"chatId\":\"c1\"}\n\n"

// =============================================================================
// Consume Tests
// =============================================================================

func TestConsume_ChunksThenComplete(t *testing.T) {
	rec, err := consume(t, strings.NewReader(happyStream))

	require.NoError(t, err)
	assert.Equal(t, []string{"chunk", "chunk", "complete"}, rec.events)
	assert.Equal(t, "Hello", strings.Join(rec.chunks, ""))
	assert.Equal(t, &Completion{PromptTokenSize: 1, ResponseTokenSize: 2, ChatID: "c1"}, rec.complete)
}

// TestConsume_FrameSplitAcrossReads delivers the bytes in two reads that
// cut a frame in the middle of its JSON.
func TestConsume_FrameSplitAcrossReads(t *testing.T) {
	first := "data: {\"type\":\"content_chunk\",\"text\":\"Hel"
	second := "lo\"}\n\ndata: {\"type\":\"content_complete\",\"chatId\":\"c1\"}\n\n"

	rec, err := consume(t, &pieceReader{pieces: []string{first, second}})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, rec.chunks)
	require.NotNil(t, rec.complete)
	assert.Equal(t, "c1", rec.complete.ChatID)
}

// TestConsume_ByteAtATime splits every frame at every position.
func TestConsume_ByteAtATime(t *testing.T) {
	pieces := make([]string, 0, len(happyStream))
	for i := range happyStream {
		pieces = append(pieces, happyStream[i:i+1])
	}

	rec, err := consume(t, &pieceReader{pieces: pieces})

	require.NoError(t, err)
	assert.Equal(t, []string{"He", "llo"}, rec.chunks)
	assert.Equal(t, 1, rec.terminals)
}

func TestConsume_DelimiterSplitAcrossReads(t *testing.T) {
	rec, err := consume(t, &pieceReader{pieces: []string{
		"data: {\"type\":\"content_chunk\",\"text\":\"a\"}\n",
		"\ndata: {\"type\":\"content_complete\"}\n\n",
	}})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.chunks)
}

func TestConsume_CRLF(t *testing.T) {
	stream := strings.ReplaceAll(happyStream, "\n", "\r\n")
	pieces := []string{stream[:40], stream[40:41], stream[41:]}

	rec, err := consume(t, &pieceReader{pieces: pieces})

	require.NoError(t, err)
	assert.Equal(t, "Hello", strings.Join(rec.chunks, ""))
}

func TestConsume_ServerErrorEvent(t *testing.T) {
	stream := "data: {\"type\":\"content_chunk\",\"text\":\"x\"}\n\n" +
		"data: {\"type\":\"error\",\"message\":\"Failed to generate response\"}\n\n" +
		"data: {\"type\":\"content_chunk\",\"text\":\"after\"}\n\n"

	rec, err := consume(t, strings.NewReader(stream))

	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Failed to generate response", serr.Message)
	assert.Equal(t, []string{"chunk", "error"}, rec.events, "reading stops at the error event")
}

func TestConsume_SkipsCommentsAndUnknownTypes(t *testing.T) {
	stream := ": ping\n\n" +
		"data: {\"type\":\"usage_hint\",\"text\":\"?\"}\n\n" +
		"event: message\nid: 7\ndata: {\"type\":\"content_chunk\",\"text\":\"ok\"}\n\n" +
		"data: {\"type\":\"content_complete\"}\n\n"

	rec, err := consume(t, strings.NewReader(stream))

	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, rec.chunks)
}

func TestConsume_UnknownTypeIsLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	stream := "data: {\"type\":\"usage_hint\"}\n\ndata: {\"type\":\"content_complete\"}\n\n"

	err := Consume(context.Background(), strings.NewReader(stream), StreamCallbacks{}, logger)

	require.NoError(t, err)
	assert.Contains(t, logs.String(), "usage_hint")
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestConsume_MalformedFrameIsFatal(t *testing.T) {
	stream := "data: {\"type\":\"content_chunk\",\"text\":\"a\"}\n\n" +
		"data: {not json}\n\n" +
		"data: {\"type\":\"content_complete\"}\n\n"

	rec, err := consume(t, strings.NewReader(stream))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	var mf *MalformedFrameError
	require.ErrorAs(t, err, &mf)
	assert.Contains(t, mf.Frame, "{not json}")
	assert.Equal(t, []string{"chunk", "error"}, rec.events)
}

func TestConsume_EOFWithoutTerminal(t *testing.T) {
	stream := "data: {\"type\":\"content_chunk\",\"text\":\"a\"}\n\n"

	rec, err := consume(t, strings.NewReader(stream))

	assert.ErrorIs(t, err, ErrUnexpectedEnd)
	assert.Equal(t, "stream ended unexpectedly", err.Error())
	assert.Equal(t, 1, rec.terminals)
}

func TestConsume_EmptyBody(t *testing.T) {
	rec, err := consume(t, strings.NewReader(""))

	assert.ErrorIs(t, err, ErrUnexpectedEnd)
	assert.Equal(t, []string{"error"}, rec.events)
}

func TestConsume_FinalFrameWithoutDelimiter(t *testing.T) {
	stream := "data: {\"type\":\"content_chunk\",\"text\":\"a\"}\n\n" +
		"data: {\"type\":\"content_complete\",\"chatId\":\"c9\"}\n"

	rec, err := consume(t, strings.NewReader(stream))

	require.NoError(t, err)
	require.NotNil(t, rec.complete)
	assert.Equal(t, "c9", rec.complete.ChatID)
}

func TestConsume_ReadError(t *testing.T) {
	boom := errors.New("connection reset")

	rec, err := consume(t, &pieceReader{
		pieces: []string{"data: {\"type\":\"content_chunk\",\"text\":\"a\"}\n\n"},
		err:    boom,
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"chunk", "error"}, rec.events)
}

func TestConsume_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	err := Consume(ctx, strings.NewReader(happyStream), rec.callbacks(), quietLogger())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"error"}, rec.events)
}

// =============================================================================
// parseFrame Tests
// =============================================================================

func TestParseFrame_MultiLineData(t *testing.T) {
	ev, err := parseFrame("data: {\"type\":\"content_chunk\",\ndata: \"text\":\"x\"}")

	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "x", ev.Text)
}

func TestParseFrame_NoSpaceAfterColon(t *testing.T) {
	ev, err := parseFrame(`data:{"type":"content_chunk","text":" lead"}`)

	require.NoError(t, err)
	assert.Equal(t, " lead", ev.Text)
}

func TestParseFrame_CommentOnly(t *testing.T) {
	ev, err := parseFrame(": ping")

	assert.NoError(t, err)
	assert.Nil(t, ev)
}
