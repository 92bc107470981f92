package scheduler

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns min(base*2^attempts, cap) for an entry that has already failed
// attempts times.
func backoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

func randomJitter(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(window)))
}
