// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sliceSource(chunks ...string) chunkSource {
	return func(ctx context.Context, emit func(string) error) error {
		for _, c := range chunks {
			if err := emit(c); err != nil {
				return err
			}
		}
		return nil
	}
}

// TestRunStream_ConcatenatesChunks verifies the final text is built from
// the delivered chunks and the accounting result is attached.
func TestRunStream_ConcatenatesChunks(t *testing.T) {
	rec := &recorder{}
	account := func(_ context.Context, prompt, text string) (int, int, error) {
		assert.Equal(t, "q", prompt)
		assert.Equal(t, "Hello, world", text)
		return 3, 4, nil
	}

	runStream(context.Background(), "test", "q", rec.callbacks(),
		sliceSource("Hello", ", ", "world"), account, quietLogger())

	assert.Equal(t, []string{"Hello", ", ", "world"}, rec.chunks)
	require.Len(t, rec.completes, 1)
	assert.Empty(t, rec.errs)
	assert.Equal(t, Response{Text: "Hello, world", PromptTokenCount: 3, ResponseTokenCount: 4}, rec.completes[0])
}

// TestRunStream_AccountingFailureYieldsZeroCounts verifies a failed
// secondary call does not turn into a stream error.
func TestRunStream_AccountingFailureYieldsZeroCounts(t *testing.T) {
	rec := &recorder{}
	account := func(context.Context, string, string) (int, int, error) {
		return 9, 9, errors.New("count failed")
	}

	runStream(context.Background(), "test", "q", rec.callbacks(), sliceSource("a", "b"), account, quietLogger())

	require.Len(t, rec.completes, 1)
	assert.Empty(t, rec.errs)
	assert.Equal(t, "ab", rec.completes[0].Text)
	assert.Zero(t, rec.completes[0].PromptTokenCount)
	assert.Zero(t, rec.completes[0].ResponseTokenCount)
}

// TestRunStream_SourceErrorAfterChunks verifies chunks already delivered
// stay delivered and exactly one OnError follows.
func TestRunStream_SourceErrorAfterChunks(t *testing.T) {
	rec := &recorder{}
	source := func(_ context.Context, emit func(string) error) error {
		_ = emit("partial")
		return errors.New("connection reset")
	}

	runStream(context.Background(), "test", "q", rec.callbacks(), source, nil, quietLogger())

	assert.Equal(t, []string{"partial"}, rec.chunks)
	assert.Empty(t, rec.completes)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], datatypes.ErrUpstream)
}

// TestRunStream_EmptyStream completes with empty text and no chunks.
func TestRunStream_EmptyStream(t *testing.T) {
	rec := &recorder{}
	runStream(context.Background(), "test", "q", rec.callbacks(), sliceSource(), nil, quietLogger())

	assert.Empty(t, rec.chunks)
	require.Len(t, rec.completes, 1)
	assert.Equal(t, "", rec.completes[0].Text)
}

// TestRunStream_SkipsEmptyChunks verifies empty fragments are not forwarded.
func TestRunStream_SkipsEmptyChunks(t *testing.T) {
	rec := &recorder{}
	runStream(context.Background(), "test", "q", rec.callbacks(), sliceSource("", "x", ""), nil, quietLogger())

	assert.Equal(t, []string{"x"}, rec.chunks)
	require.Len(t, rec.completes, 1)
	assert.Equal(t, "x", rec.completes[0].Text)
}

// TestRunStream_CancelledContext verifies cancellation aborts the source
// with a single OnError.
func TestRunStream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}

	runStream(ctx, "test", "q", rec.callbacks(), sliceSource("a", "b"), nil, quietLogger())

	assert.Empty(t, rec.chunks)
	assert.Equal(t, 1, rec.terminals())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], context.Canceled)
}

// TestRunStream_NilCallbacks must not panic.
func TestRunStream_NilCallbacks(t *testing.T) {
	assert.NotPanics(t, func() {
		runStream(context.Background(), "test", "q", StreamCallbacks{}, sliceSource("a"), nil, nil)
	})
}

func TestCountPair(t *testing.T) {
	p, r, err := countPair(fakeTokenizer{}, "one two", "three four five")
	require.NoError(t, err)
	assert.Equal(t, 2, p)
	assert.Equal(t, 3, r)

	_, _, err = countPair(fakeTokenizer{err: errTokenizer}, "a", "b")
	assert.ErrorIs(t, err, errTokenizer)
}
