package queue

import (
	"time"
)

// Backoff returns the delay before a job's next attempt: 2^attempts x base.
// No jitter and no cap; growth is bounded in practice by the job's retry
// budget.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 62 {
		attempts = 62
	}
	return base * time.Duration(int64(1)<<attempts)
}
