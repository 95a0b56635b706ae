package main

import "time"

// backoff is an exponential retry delay.
// It is not safe for concurrent use; the coordinator worker owns it.
type backoff struct {
	current  time.Duration
	initial  time.Duration
	maxDelay time.Duration
	factor   float64
}

func newBackoff(initial, maxDelay time.Duration) *backoff {
	if maxDelay < initial {
		maxDelay = initial
	}
	return &backoff{
		current:  initial,
		initial:  initial,
		maxDelay: maxDelay,
		factor:   2.0,
	}
}

// Next returns the current delay and advances to the next value.
func (b *backoff) Next() time.Duration {
	current := b.current
	b.current = min(time.Duration(float64(b.current)*b.factor), b.maxDelay)
	return current
}

// Reset sets the backoff back to the initial delay.
func (b *backoff) Reset() {
	b.current = b.initial
}
