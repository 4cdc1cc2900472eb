package queue

import "time"

const (
	backoffBase = time.Minute
	backoffCap  = time.Hour
)

// Backoff returns the delay before a job that has failed n times becomes
// claimable again: base*2^(n-1) capped at one hour. The queue layer adds no
// jitter; sub-operation retries own their own jitter.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}
