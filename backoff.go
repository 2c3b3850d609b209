package tpu_sender

import (
	"context"
	"time"
)

type backoff struct {
	base time.Duration
	max  time.Duration
}

// delay returns the wait before retry n (0-based): base * 2^n, capped at max.
func (b backoff) delay(n int) time.Duration {
	d := b.base
	for i := 0; i < n && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// retry runs fn up to retries+1 times. It returns the number of attempts made
// and the last error.
func (b backoff) retry(ctx context.Context, retries int, fn func(context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt + 1, nil
		}
		if attempt >= retries || ctx.Err() != nil {
			return attempt + 1, err
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, err
		case <-t.C:
		}
	}
}
