// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// Every failure that crosses a component boundary is one of these. None of
// them is retried by the component that raises it; the caller decides what
// the user sees.

var (
	// ErrUpstream matches any *UpstreamError via errors.Is.
	ErrUpstream = errors.New("upstream provider error")

	// ErrStore matches any *StoreError via errors.Is.
	ErrStore = errors.New("chat store error")

	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation error")

	// ErrMissingChatID is returned when a stream targets an existing chat
	// but carries no chat id.
	ErrMissingChatID = errors.New("chat id not provided")

	// ErrChatNotFound is returned by stores for unknown chat ids.
	ErrChatNotFound = errors.New("chat not found")
)

// ValidationError reports a missing or malformed request field. Message is
// safe to return to clients verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UpstreamError wraps a failure of the language provider.
//
// # Fields
//
//   - Provider: Backend name ("gemini", "openai", "ollama", "langchain").
//   - Op: Gateway operation ("generate", "count_tokens", "stream").
//   - Err: Underlying cause.
type UpstreamError struct {
	Provider string
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// NewUpstreamError wraps err unless it already is an UpstreamError.
func NewUpstreamError(provider, op string, err error) error {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Provider: provider, Op: op, Err: err}
}

// StoreError wraps a failure of the chat store backend.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// NewStoreError wraps err as a StoreError. ErrChatNotFound passes through
// unchanged so callers can map it to 404.
func NewStoreError(backend, op string, err error) error {
	if errors.Is(err, ErrChatNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}
