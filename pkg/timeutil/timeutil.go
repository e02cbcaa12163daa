package timeutil

import (
	"context"
	"errors"
	"iter"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// SleepFunc matches Sleep. Components take one so tests can record waits
// instead of serving them.
type SleepFunc func(context.Context, time.Duration) error

func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IterTick yields once per period until ctx is done. With immediate set the
// first value is yielded right away.
func IterTick(ctx context.Context, period time.Duration, immediate bool) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if immediate && ctx.Err() == nil {
			if !yield(time.Now()) {
				return
			}
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				if !yield(t) {
					return
				}
			}
		}
	}
}

// Format is the timestamp layout used in all telemetry files.
const Format = "2006-01-02 15:04:05"

func Stamp(t time.Time) string {
	return t.Format(Format)
}

var errPending = errors.New("condition not met")

// PollUntil calls check every interval until it reports true, returns an
// error wrapped with backoff.Permanent, or ctx ends. Other errors are passed
// to notify and retried. There is no elapsed time limit.
func PollUntil(
	ctx context.Context,
	interval time.Duration,
	check func(context.Context) (bool, error),
	notify func(error, time.Duration),
) error {
	operation := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		done, err := check(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if !done {
			return struct{}{}, errPending
		}
		return struct{}{}, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(time.Duration(math.MaxInt64)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			if !errors.Is(err, errPending) {
				notify(err, next)
			}
		}))
	}
	_, err := backoff.Retry(ctx, operation, opts...)
	return err
}
