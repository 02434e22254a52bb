package faults

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures step retry behavior.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor the backoff grows by after each retry.
	BackoffMultiplier float64
	// Jitter adds randomness to the backoff; 0.1 adds up to 10% in either
	// direction. Jitter affects only the scheduled fire time, never replay.
	Jitter float64
	// RetryOn lists the kinds that trigger a retry. Empty means transient
	// and timeout.
	RetryOn []Kind
}

// DefaultRetryPolicy returns the engine-wide default retry configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Normalize fills zero fields from defaults and returns the result.
func (p RetryPolicy) Normalize(defaults RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = defaults.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if p.Jitter == 0 {
		p.Jitter = defaults.Jitter
	}
	return p
}

// ShouldRetry reports whether a failure of the given kind is retried under
// this policy. Exhaustion is decided separately from attempt counts.
func (p RetryPolicy) ShouldRetry(kind Kind) bool {
	if len(p.RetryOn) == 0 {
		return kind == KindTransient || kind == KindTimeout
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the retry following the given attempt
// (1-based). Exponential with cap and jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && backoff > max {
		backoff = max
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	return time.Duration(backoff)
}
