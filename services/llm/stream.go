// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// chunkSource delivers provider text fragments to emit in arrival order.
// It returns nil when the provider signals the end of the stream. A
// non-nil error from emit must abort the source and be returned.
type chunkSource func(ctx context.Context, emit func(text string) error) error

// tokenAccounting is the secondary call that sizes a finished stream.
type tokenAccounting func(ctx context.Context, prompt, text string) (promptTokens, responseTokens int, err error)

// runStream drives one streaming generation for a backend.
//
// # Description
//
// Collects every chunk the source emits, forwards each one unchanged to
// OnChunk, and on a clean end builds the final Response from the
// collected text (whatever final text the provider sends is ignored).
// Token counts come from account; if accounting fails the counts are zero
// and the stream still completes. Any source error goes to OnError as an
// UpstreamError. Exactly one terminal callback runs.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts the source.
//   - provider: Backend name for errors, spans and logs.
//   - prompt: The prompt being answered, passed to account.
//   - cb: Caller callbacks.
//   - source: Backend chunk producer.
//   - account: Backend token accounting. May be nil.
//   - logger: Destination for the degraded-accounting warning.
//
// # Assumptions
//
//   - source calls emit from a single goroutine.
func runStream(ctx context.Context, provider, prompt string, cb StreamCallbacks,
	source chunkSource, account tokenAccounting, logger *slog.Logger) {

	cb = cb.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := tracer.Start(ctx, provider+".GenerateStreaming")
	defer span.End()

	var text strings.Builder
	chunks := 0
	err := source(ctx, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk == "" {
			return nil
		}
		text.WriteString(chunk)
		chunks++
		cb.OnChunk(chunk)
		return nil
	})
	span.SetAttributes(attribute.Int("llm.chunks", chunks))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Streaming generation failed",
			"provider", provider,
			"chunks_delivered", chunks,
			"error", err,
		)
		cb.OnError(datatypes.NewUpstreamError(provider, "stream", err))
		return
	}

	final := Response{Text: text.String()}
	if account != nil {
		promptTokens, responseTokens, accErr := account(ctx, prompt, final.Text)
		if accErr != nil {
			logger.Warn("Token accounting failed, reporting zero counts",
				"provider", provider,
				"error", accErr,
			)
		} else {
			final.PromptTokenCount = promptTokens
			final.ResponseTokenCount = responseTokens
		}
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", final.PromptTokenCount),
		attribute.Int("llm.response_tokens", final.ResponseTokenCount),
	)
	cb.OnComplete(final)
}
