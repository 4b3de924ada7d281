package workflow

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryStrategy encapsulates the delay between retry attempts. The attempt
// index starts at 0, incrementing after each failure.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately. Useful in tests.
type NoDelayStrategy struct{}

// SleepDuration always returns zero.
func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialJitterStrategy implements capped exponential backoff with
// jitter: min(Max, Base*2^attempt) * (0.5 + rand(0, 0.5)). The jitter term
// spreads correlated retries (a downstream outage fails many workflows at
// once) so they do not come back as a thundering herd.
type ExponentialJitterStrategy struct {
	// Base is the starting delay (e.g. 1s).
	Base time.Duration
	// Max caps the exponential growth before jitter is applied.
	Max time.Duration
	// Rand overrides the jitter source; nil uses a shared seeded source.
	Rand *rand.Rand

	mu sync.Mutex
}

// DefaultRetryStrategy is the engine's backoff policy when none is
// configured: 1s base doubling up to 5m.
func DefaultRetryStrategy() *ExponentialJitterStrategy {
	return &ExponentialJitterStrategy{
		Base: time.Second,
		Max:  5 * time.Minute,
	}
}

// SleepDuration returns the jittered, capped exponential delay.
func (e *ExponentialJitterStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := e.Base
	if base <= 0 {
		base = time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	return time.Duration(delay * (0.5 + e.random()*0.5))
}

func (e *ExponentialJitterStrategy) random() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Rand == nil {
		e.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e.Rand.Float64()
}
