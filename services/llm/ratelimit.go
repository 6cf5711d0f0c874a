// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"golang.org/x/time/rate"
)

// rateLimitedGateway paces outbound provider calls with a token bucket.
type rateLimitedGateway struct {
	next    Gateway
	limiter *rate.Limiter
	name    string
}

// NewRateLimited wraps next so that every call first waits for limiter.
// A cancelled wait fails the call as an upstream error without reaching
// the provider. A nil limiter returns next unchanged.
func NewRateLimited(next Gateway, provider string, limiter *rate.Limiter) Gateway {
	if limiter == nil {
		return next
	}
	return &rateLimitedGateway{next: next, limiter: limiter, name: provider}
}

func (r *rateLimitedGateway) Generate(ctx context.Context, prompt string) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, datatypes.NewUpstreamError(r.name, "rate_limit", err)
	}
	return r.next.Generate(ctx, prompt)
}

func (r *rateLimitedGateway) CountTokens(ctx context.Context, prompt string) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, datatypes.NewUpstreamError(r.name, "rate_limit", err)
	}
	return r.next.CountTokens(ctx, prompt)
}

func (r *rateLimitedGateway) GenerateStreaming(ctx context.Context, prompt string, cb StreamCallbacks) {
	if err := r.limiter.Wait(ctx); err != nil {
		cb.withDefaults().OnError(datatypes.NewUpstreamError(r.name, "rate_limit", err))
		return
	}
	r.next.GenerateStreaming(ctx, prompt, cb)
}

var _ Gateway = (*rateLimitedGateway)(nil)
