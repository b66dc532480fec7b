package session

import (
	"context"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts       = 5
	defaultBackoff           = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultMaxSessionRetries = 5
)

// RetryPolicy bounds retries of a single operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 5 if zero.
	MaxAttempts int

	// Backoff is the delay before the second attempt. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the delay when Incremental is set. Defaults to 30s if
	// zero.
	MaxBackoff time.Duration

	// Incremental doubles the delay after every failed attempt. Otherwise the
	// delay is fixed at Backoff.
	Incremental bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if !p.Incremental || attempt <= 1 {
		return p.Backoff
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
