package engine

import "time"

// backoff returns the delay before attempt n+1 after n consecutive store
// failures: tick × 2^(n-1), capped at limit.
func backoff(tick, limit time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := tick
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}
