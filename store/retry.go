package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOnConflict runs op until it succeeds, fails with an error that
// isConflict rejects, or ctx is done. Conflicting attempts are retried with a
// short jittered exponential backoff. There is no attempt cap; only ctx and
// backoff's default elapsed-time ceiling end the loop.
func RetryOnConflict[T any](ctx context.Context, isConflict func(error) bool, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isConflict(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b))
}
