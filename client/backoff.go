package client

import "time"

// Backoff computes the reconnect delay for a given attempt number. The first
// attempt (attempt=1) waits initial, and each subsequent attempt doubles the
// delay up to max. Attempts below 1 are treated as the first attempt.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
