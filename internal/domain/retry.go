// Package domain: retry policy for failed tasks.
package domain

import (
	"math"
	"math/rand"
	"time"
)

// KindBackoff holds the backoff parameters for one task kind.
type KindBackoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// Multiplier is the exponential factor applied per retry.
	Multiplier float64
	// Jitter is the uniform multiplicative jitter fraction f; the final
	// delay is scaled by a factor drawn from [1-f, 1+f].
	Jitter float64
}

// DefaultBackoffs returns the per-kind backoff table.
func DefaultBackoffs() map[TaskKind]KindBackoff {
	return map[TaskKind]KindBackoff{
		KindObservation:    {Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1},
		KindSummarize:      {Base: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
		KindEmbedding:      {Base: 2 * time.Second, Max: 120 * time.Second, Multiplier: 2, Jitter: 0.2},
		KindVectorSync:     {Base: 5 * time.Second, Max: 300 * time.Second, Multiplier: 2, Jitter: 0.3},
		KindDocGen:         {Base: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
		KindContextGen:     {Base: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
		KindSemanticSearch: {Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.1},
		KindCompression:    {Base: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1},
	}
}

// RetryPolicy computes retry delays per task kind. It is deterministic apart
// from jitter; tests inject a seeded rand.
type RetryPolicy struct {
	backoffs map[TaskKind]KindBackoff
	rng      *rand.Rand
}

// NewRetryPolicy builds a policy from the given per-kind table. Kinds missing
// from the table fall back to the observation parameters. A nil rng uses the
// global source.
func NewRetryPolicy(backoffs map[TaskKind]KindBackoff, rng *rand.Rand) *RetryPolicy {
	if backoffs == nil {
		backoffs = DefaultBackoffs()
	}
	return &RetryPolicy{backoffs: backoffs, rng: rng}
}

// Backoff returns the delay before retry number retryCount (zero-based: the
// delay after the first failure uses retryCount = 0).
func (p *RetryPolicy) Backoff(kind TaskKind, retryCount int) time.Duration {
	b, ok := p.backoffs[kind]
	if !ok {
		b = DefaultBackoffs()[KindObservation]
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(retryCount))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 - b.Jitter + 2*b.Jitter*p.float64()
	}
	return time.Duration(d)
}

// RetryAfter returns the wall time at which a task failed now becomes
// eligible again.
func (p *RetryPolicy) RetryAfter(kind TaskKind, retryCount int, now time.Time) time.Time {
	return now.Add(p.Backoff(kind, retryCount))
}

func (p *RetryPolicy) float64() float64 {
	if p.rng != nil {
		return p.rng.Float64()
	}
	return rand.Float64()
}
