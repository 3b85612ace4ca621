package retry

import (
	"math"
	"time"
)

// Policy is an exponential backoff with a hard attempt ceiling.
type Policy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
	MaxDelay    time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.Base) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Allows reports whether another retry is permitted after `attempts` retries already spent.
func (p Policy) Allows(attempts int) bool {
	return attempts < p.MaxAttempts
}
