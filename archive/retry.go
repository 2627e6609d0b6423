package archive

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	updater "github.com/rednimgames/rose-updater"
)

// DefaultRetries is the number of times a failed transport operation is retried.
const DefaultRetries = 4

// RetryPolicy decides how transport operations are retried.
// Only errors marked with updater.Retryable are retried.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt.
	Retries int

	// NewBackOff produces the delay schedule for one operation.
	// Nil means exponential backoff starting at 250ms.
	NewBackOff func() backoff.BackOff
}

// DefaultRetryPolicy retries DefaultRetries times with exponential backoff.
var DefaultRetryPolicy = RetryPolicy{Retries: DefaultRetries}

// NoRetry makes every operation a single attempt.
var NoRetry = RetryPolicy{Retries: 0}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Do calls f until it succeeds, fails permanently, or the retries are used up.
// The final error is returned as-is,
// except that an error caused by ctx is marked updater.ErrCancelled.
func (p RetryPolicy) Do(ctx context.Context, f func() error) error {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(retries)), ctx)

	err := backoff.Retry(func() error {
		err := f()
		if err != nil && !updater.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return updater.Canceled(err)
}
