package transport

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines dial retry delays.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func (b BackoffConfig) Validate() error {
	if b.InitialDelay < 0 || b.MaxDelay < 0 {
		return fmt.Errorf("transport: backoff delays must not be negative")
	}
	if b.MaxDelay > 0 && b.InitialDelay > b.MaxDelay {
		return fmt.Errorf("transport: backoff initial delay %v exceeds max %v", b.InitialDelay, b.MaxDelay)
	}
	return nil
}

// Delay returns the wait before retry attempt N (1-based). With jitter the
// delay is scaled into [0.5, 1.5); a nil rng picks the low end.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	mult := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
