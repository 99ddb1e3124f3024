package queue

import "time"

// BackoffStrategy defines how long a failed operation waits before its next
// attempt.
type BackoffStrategy interface {
	// NextDelay returns the delay before attempt number attempt+1
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows InitialDelay by Multiplier per attempt, capped at
// MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration `mapstructure:"initial"`
	MaxDelay     time.Duration `mapstructure:"max"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// DefaultBackoff returns 1s doubling up to 5 minutes.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
		// Stop before the float overflows a Duration.
		if eb.MaxDelay > 0 && time.Duration(float64(eb.InitialDelay)*multiplier) > eb.MaxDelay {
			return eb.MaxDelay
		}
	}

	result := time.Duration(float64(eb.InitialDelay) * multiplier)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}
