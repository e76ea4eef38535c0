// Package jitter implements C6: normalizing a session's expected deposit
// amount into a jittered withdrawal amount and delay (spec.md §4.3).
package jitter

import (
	"errors"
	"math/big"
	"time"

	"github.com/obscura-unlinker/unlinker/internal/randsrc"
)

// ErrDust is returned when the jittered amount truncates to zero; the
// caller must fail the session instead of dispatching a dust transfer.
var ErrDust = errors.New("jitter: normalized amount is dust")

const (
	minPPM = -30
	maxPPM = 40

	minDelaySeconds = 1
)

// Config carries the single named configuration knob spec.md §4.3/§6
// allows: widening the delay window from the default [1, 10] to [1, 60].
type Config struct {
	// MaxDelaySeconds widens the sampled delay upper bound. Defaults to 10
	// when <= 0; spec.md permits widening to 60.
	MaxDelaySeconds int
}

// Result is the output of Normalize: the jittered amount and the absolute
// point in time a withdrawal job becomes eligible.
type Result struct {
	NormalizedAmount uint64
	PPM              int
	DelaySeconds     int
	ExecuteAfter     time.Time
}

// Normalize samples ppm uniformly from [-30, 40] and a delay uniformly
// from [1, cfg.MaxDelaySeconds], applying integer truncating division to
// expected (no floating point in the monetary path).
func Normalize(expected uint64, now time.Time, src randsrc.Source, cfg Config) (Result, error) {
	if src == nil {
		src = randsrc.Default
	}
	maxDelay := cfg.MaxDelaySeconds
	if maxDelay <= 0 {
		maxDelay = 10
	}

	ppm := src.IntRange(minPPM, maxPPM)
	delaySeconds := src.IntRange(minDelaySeconds, maxDelay)
	if delaySeconds < minDelaySeconds {
		delaySeconds = minDelaySeconds
	} else if delaySeconds > maxDelay {
		delaySeconds = maxDelay
	}

	normalized := applyPPM(expected, ppm)
	if normalized < 1 {
		return Result{}, ErrDust
	}

	return Result{
		NormalizedAmount: normalized,
		PPM:              ppm,
		DelaySeconds:     delaySeconds,
		ExecuteAfter:     now.Add(time.Duration(delaySeconds) * time.Second),
	}, nil
}

// applyPPM computes expected + (expected * ppm) / 1_000_000 using big.Int so
// that an expected amount near the top of the uint64 range never overflows
// signed 64-bit arithmetic; Quo truncates toward zero exactly as Go's
// integer division does.
func applyPPM(expected uint64, ppm int) uint64 {
	e := new(big.Int).SetUint64(expected)
	adj := new(big.Int).Mul(e, big.NewInt(int64(ppm)))
	adj.Quo(adj, big.NewInt(1_000_000))
	total := new(big.Int).Add(e, adj)
	if total.Sign() < 0 {
		return 0
	}
	if !total.IsUint64() {
		return ^uint64(0)
	}
	return total.Uint64()
}
