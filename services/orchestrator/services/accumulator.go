// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// DefaultMaxResponseBytes bounds one streamed response held for persistence.
const DefaultMaxResponseBytes = 512 * 1024

// ErrResponseTooLarge is returned once a stream outgrows its accumulator.
var ErrResponseTooLarge = errors.New("response exceeds accumulator capacity")

// ResponseAccumulator collects a streamed response until it is persisted.
//
// # Description
//
// Chunks are appended in arrival order and hashed as they arrive.
// Finalize returns the full text and its SHA-256 digest and wipes the
// buffer; Destroy wipes without returning anything. Both are terminal.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResponseAccumulator interface {
	Write(chunk string) error
	Finalize() (text string, digest string, err error)
	Destroy()
}

// AccumulatorFactory creates one accumulator per stream.
type AccumulatorFactory func() (ResponseAccumulator, error)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// initMemguard installs memguard's interrupt handler and checks whether
// RLIMIT_MEMLOCK can hold a full buffer.
func initMemguard(maxBytes int) {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit(maxBytes)
		if mlockSufficient {
			slog.Info("Secure memory initialized", "mlock_limit_kb", mlockLimitKB, "required_kb", maxBytes/1024)
		} else {
			slog.Warn("mlock limit insufficient, streamed responses use plain memory",
				"current_limit_kb", mlockLimitKB,
				"required_kb", maxBytes/1024,
			)
		}
	})
}

func checkMlockLimit(maxBytes int) (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= int64(maxBytes/1024), limitKB
}

// NewSecureAccumulatorFactory returns accumulators backed by mlocked
// memguard buffers, or plain ones when the mlock limit is too low.
func NewSecureAccumulatorFactory(maxBytes int) AccumulatorFactory {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return func() (ResponseAccumulator, error) {
		initMemguard(maxBytes)
		if !mlockSufficient {
			return newPlainAccumulator(maxBytes), nil
		}
		buf := memguard.NewBuffer(maxBytes)
		if buf == nil || buf.Size() == 0 {
			return nil, fmt.Errorf("allocate secure buffer of %d bytes", maxBytes)
		}
		return &secureAccumulator{buffer: buf, limit: maxBytes, hasher: sha256.New()}, nil
	}
}

// NewPlainAccumulatorFactory returns heap-backed accumulators.
func NewPlainAccumulatorFactory(maxBytes int) AccumulatorFactory {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return func() (ResponseAccumulator, error) {
		return newPlainAccumulator(maxBytes), nil
	}
}

// =============================================================================
// memguard-backed accumulator
// =============================================================================

type secureAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	limit     int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow || a.offset+len(chunk) > a.limit {
		a.overflow = true
		return ErrResponseTooLarge
	}
	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	defer a.wipe()
	if a.overflow {
		return "", "", ErrResponseTooLarge
	}
	text := string(a.buffer.Bytes()[:a.offset])
	return text, hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *secureAccumulator) wipe() {
	a.buffer.Destroy()
	a.destroyed = true
}

// =============================================================================
// heap-backed accumulator
// =============================================================================

type plainAccumulator struct {
	mu        sync.Mutex
	data      []byte
	limit     int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator(limit int) *plainAccumulator {
	return &plainAccumulator{limit: limit, hasher: sha256.New()}
}

func (a *plainAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow || len(a.data)+len(chunk) > a.limit {
		a.overflow = true
		return ErrResponseTooLarge
	}
	a.data = append(a.data, chunk...)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	defer a.wipe()
	if a.overflow {
		return "", "", ErrResponseTooLarge
	}
	return string(a.data), hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.destroyed {
		a.wipe()
	}
}

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

var (
	_ ResponseAccumulator = (*secureAccumulator)(nil)
	_ ResponseAccumulator = (*plainAccumulator)(nil)
)
