// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// =============================================================================
// Shared Test Helpers
// =============================================================================

// fakeTokenizer counts whitespace-separated words.
type fakeTokenizer struct {
	err error
}

func (f fakeTokenizer) CountTokens(text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(strings.Fields(text)), nil
}

var errTokenizer = errors.New("tokenizer unavailable")

// recorder captures stream callbacks.
//
// # Description
//
// Every callback appends under a mutex so tests can assert the exact
// sequence and count of terminal calls.
type recorder struct {
	mu        sync.Mutex
	chunks    []string
	completes []Response
	errs      []error
}

func (r *recorder) callbacks() StreamCallbacks {
	return StreamCallbacks{
		OnChunk: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks = append(r.chunks, text)
		},
		OnComplete: func(final Response) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, final)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes) + len(r.errs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
