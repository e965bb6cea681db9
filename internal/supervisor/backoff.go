package supervisor

import "time"

const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultBaseDelay      = 5 * time.Second
	DefaultMaxDelay       = 60 * time.Second

	// maxBackoffSteps bounds the exponent; later attempts reuse the last step.
	maxBackoffSteps = 8
)

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 1.5^min(n-1, 8), max). There is no jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	steps := attempt - 1
	if steps > maxBackoffSteps {
		steps = maxBackoffSteps
	}
	d := base
	for i := 0; i < steps && d < max; i++ {
		d = d * 3 / 2
	}
	if d > max {
		d = max
	}
	return d
}
