package supervisor

import (
	"math/rand"
	"time"
)

// Reconnection backoff constants: exponential doubling from
// one second, capped at sixty, with uniform jitter added on top.
const (
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 60 * time.Second
	BackoffMultiplier = 2.0
	JitterFactor      = 0.512
)

// Backoff calculates exponential reconnection delays with jitter. Unlike a
// general-purpose implementation it is single-threaded: only the
// supervisor's tick ever touches it.
type Backoff struct {
	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int
	rng        *rand.Rand
}

// NewBackoff creates a backoff calculator with the protocol defaults.
func NewBackoff(rng *rand.Rand) *Backoff {
	return &Backoff{
		current:    InitialBackoff,
		initial:    InitialBackoff,
		max:        MaxBackoff,
		multiplier: BackoffMultiplier,
		jitter:     JitterFactor,
		rng:        rng,
	}
}

// BackoffConfig customizes backoff parameters. Zero Initial and Max (and a
// Multiplier of 1 or less) keep the defaults; Jitter is used as given when
// it is zero or more, so a zero Jitter disables jitter, and only a
// negative Jitter keeps the default.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	b := NewBackoff(rng)
	if cfg.Initial > 0 {
		b.initial, b.current = cfg.Initial, cfg.Initial
	}
	if cfg.Max > 0 {
		b.max = cfg.Max
	}
	if cfg.Multiplier > 1 {
		b.multiplier = cfg.Multiplier
	}
	if cfg.Jitter >= 0 {
		b.jitter = cfg.Jitter
	}
	return b
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	delay := b.addJitter(b.current)
	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return delay
}

// Peek returns the current delay without advancing.
func (b *Backoff) Peek() time.Duration {
	return b.addJitter(b.current)
}

// Reset restores the initial delay. Called after a session reaches Ready.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.attempts = 0
}

// Attempts reports the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 || b.rng == nil {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
