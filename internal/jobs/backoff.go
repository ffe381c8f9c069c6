package jobs

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays: Base * 2^(attempt-1), capped
// at Max, with +/- Jitter proportional noise.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Base <= 0 {
		out.Base = 30 * time.Second
	}
	if out.Max <= 0 {
		out.Max = 15 * time.Minute
	}
	if out.Max < out.Base {
		out.Max = out.Base
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.Jitter > 1 {
		out.Jitter = 1
	}
	return out
}

// Delay returns the wait before attempt number attempt (1-based).
// rng may be nil for a deterministic result.
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}

	if b.Jitter > 0 && rng != nil {
		delta := (rng.Float64()*2 - 1) * b.Jitter * float64(d)
		d += time.Duration(delta)
	}
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DelayWithHint honors a provider Retry-After hint when it is longer.
func (b Backoff) DelayWithHint(attempt int, err error, rng *rand.Rand) time.Duration {
	d := b.Delay(attempt, rng)
	if hint, ok := RetryHint(err); ok && hint > d {
		return hint
	}
	return d
}
