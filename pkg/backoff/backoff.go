// Package backoff provides exponential backoff calculation with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 60s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc., capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := time.Second
	maxBackoff := 60 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Jittered returns a uniformly random duration in (0, Exponential(attempt)].
// Full jitter keeps retrying consumers from thundering in lockstep.
func Jittered(attempt int, cfg *Config) time.Duration {
	d := Exponential(attempt, cfg)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

// JitterInterval perturbs a fixed loop interval by up to ±fraction.
// Used by periodic reconciliation loops so replicas drift apart.
func JitterInterval(interval time.Duration, fraction float64) time.Duration {
	if interval <= 0 || fraction <= 0 {
		return interval
	}
	span := float64(interval) * fraction
	offset := (rand.Float64()*2 - 1) * span
	return interval + time.Duration(offset)
}
