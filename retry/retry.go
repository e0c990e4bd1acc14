package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xeptore/coral/errutil"
)

// Permanent marks an error so Do surfaces it immediately without consuming
// the remaining attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op up to maxRetries+1 times with a constant wait between attempts.
// Context cancellation is never retried.
func Do(ctx context.Context, maxRetries uint64, wait time.Duration, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), maxRetries), ctx)
	err := backoff.Retry(func() error {
		if err := op(); nil != err {
			if errutil.IsContext(ctx) {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}, b)
	if nil != err {
		if permErr := new(backoff.PermanentError); errors.As(err, &permErr) {
			return permErr.Err
		}
		return err
	}
	return nil
}
