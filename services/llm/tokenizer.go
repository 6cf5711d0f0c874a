// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when a model has no known tiktoken encoding.
const DefaultEncoding = "cl100k_base"

// Tokenizer counts tokens locally for backends without a counting endpoint.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// tiktokenTokenizer loads its BPE ranks on first use.
type tiktokenTokenizer struct {
	model    string
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewTiktokenTokenizer returns a Tokenizer for model. If the model has no
// registered encoding, DefaultEncoding is used.
//
// # Limitations
//
//   - The first call downloads the BPE file unless the tiktoken cache
//     (TIKTOKEN_CACHE_DIR) already holds it.
func NewTiktokenTokenizer(model string) Tokenizer {
	return &tiktokenTokenizer{model: model, encoding: DefaultEncoding}
}

func (t *tiktokenTokenizer) load() {
	if t.model != "" {
		if enc, err := tiktoken.EncodingForModel(t.model); err == nil {
			t.enc = enc
			return
		}
	}
	t.enc, t.err = tiktoken.GetEncoding(t.encoding)
}

// CountTokens returns the number of BPE tokens in text.
func (t *tiktokenTokenizer) CountTokens(text string) (int, error) {
	t.once.Do(t.load)
	if t.err != nil {
		return 0, fmt.Errorf("load tiktoken encoding %s: %w", t.encoding, t.err)
	}
	if text == "" {
		return 0, nil
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// countPair sizes a prompt and a response with the same tokenizer.
func countPair(tok Tokenizer, prompt, text string) (int, int, error) {
	promptTokens, err := tok.CountTokens(prompt)
	if err != nil {
		return 0, 0, err
	}
	responseTokens, err := tok.CountTokens(text)
	if err != nil {
		return 0, 0, err
	}
	return promptTokens, responseTokens, nil
}
