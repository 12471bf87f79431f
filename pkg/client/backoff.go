package client

import (
	"math/rand"
	"sync"
	"time"
)

// Retry timing for hosts re-establishing a lost device.
const (
	// InitialRetryDelay is the first re-establishment delay.
	InitialRetryDelay = 1 * time.Second

	// MaxRetryDelay caps the re-establishment delay.
	MaxRetryDelay = 60 * time.Second

	// RetryMultiplier is the factor by which the delay grows.
	RetryMultiplier = 2.0

	// RetryJitter is the maximum jitter as a fraction of the base delay.
	RetryJitter = 0.25
)

// Backoff produces exponentially growing delays with jitter, so a fleet
// of hosts watching one device spreads its retries after the device
// restarts instead of stampeding it.
type Backoff struct {
	mu sync.Mutex

	current  time.Duration
	attempts int

	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	rng *rand.Rand
}

// NewBackoff creates a backoff with the default retry timing.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: RetryJitter})
}

// BackoffConfig allows customizing the retry timing.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// NewBackoffWithConfig creates a backoff with custom timing. Zero
// Initial, Max and Multiplier keep their defaults; a zero Jitter means
// no jitter.
func NewBackoffWithConfig(config BackoffConfig) *Backoff {
	if config.Initial <= 0 {
		config.Initial = InitialRetryDelay
	}
	if config.Max <= 0 {
		config.Max = MaxRetryDelay
	}
	if config.Multiplier <= 1 {
		config.Multiplier = RetryMultiplier
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}

	return &Backoff{
		current:    config.Initial,
		initial:    config.Initial,
		max:        config.Max,
		multiplier: config.Multiplier,
		jitter:     config.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances
// the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.jittered(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns the backoff to its initial delay. Call it after a
// successful establishment.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the next base delay without jitter or advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
