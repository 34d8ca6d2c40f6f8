package util

import (
	"context"
	"math/rand"
	"time"
)

// Backoff is an exponential backoff with jitter whose sleeps honor context
// cancellation.
type Backoff struct {
	Duration    time.Duration
	MaxDuration time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Duration: initial, MaxDuration: max}
}

func (b *Backoff) increment() {
	if b.Duration < b.MaxDuration {
		b.Duration *= 2
	}
	if b.Duration > b.MaxDuration {
		b.Duration = b.MaxDuration
	}
}

// Sleep waits for the current duration plus up to 25% jitter, then doubles
// the duration. It returns false if ctx was cancelled before the wait ended.
func (b *Backoff) Sleep(ctx context.Context) bool {
	defer b.increment()

	wait := b.Duration
	if quarter := int64(b.Duration) / 4; quarter > 0 {
		wait += time.Duration(rand.Int63n(quarter))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Retry runs fn up to attempts times, sleeping between tries while retryable
// reports true for the returned error.
func Retry(ctx context.Context, attempts int, b *Backoff, retryable func(error) bool, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if !b.Sleep(ctx) {
			return err
		}
	}
	return err
}
