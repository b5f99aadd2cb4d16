package transport

import "time"

// Backoff returns the delay before reconnect attempt n (0-based): base
// doubled n times, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
