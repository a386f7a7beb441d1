package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy spaces out retries of a failing item exponentially.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the next attempt after attempts failures.
// It grows from Initial by a factor of two and is capped at Max; it never
// gives up.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.MaxInterval = p.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}
