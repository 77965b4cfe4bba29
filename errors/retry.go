package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries retryable failures with exponential backoff and
// multiplicative jitter. Non-retryable classes fail on the first attempt.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int

	// Notify, if set, is called before each wait.
	Notify func(rec *Record, wait time.Duration, attempt int)
}

// DefaultRetryPolicy is three attempts starting at 500ms, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        500 * time.Millisecond,
		Cap:         10 * time.Second,
		Multiplier:  2,
		Jitter:      0.5,
		MaxAttempts: 3,
	}
}

// Execute runs op until it succeeds, fails permanently, the attempts run out,
// or ctx is done. The returned error, if any, is always a *Record.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}

	floor := &retryAfterFloor{BackOff: b}
	policy := backoff.WithContext(backoff.WithMaxRetries(floor, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		rec := Classify(err)
		if !rec.Retryable {
			return backoff.Permanent(rec)
		}
		floor.next = rec.RetryAfter()
		return rec
	}, policy, func(err error, wait time.Duration) {
		if p.Notify != nil {
			p.Notify(Classify(err), wait, attempt)
		}
	})
	if err == nil {
		return nil
	}
	return Classify(err)
}

// retryAfterFloor raises the next wait to a server-provided retry-after hint.
type retryAfterFloor struct {
	backoff.BackOff
	next time.Duration
}

func (f *retryAfterFloor) NextBackOff() time.Duration {
	d := f.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if f.next > d {
		d = f.next
	}
	f.next = 0
	return d
}
