// Package retry re-runs an operation after transient failures, doubling
// the pause between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Run stops and returns the
// wrapped error as soon as it sees one.
func Permanent(err error) error { return permanentError{err: err} }

// Policy shapes the schedule: up to Attempts calls, the first pause
// Base, doubling after each failure with a little jitter so parallel
// deliveries to the same endpoint spread out.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// Run invokes fn until it returns nil, the attempt budget runs out, a
// Permanent error appears, or ctx is done. The last error wins.
func (p Policy) Run(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	pause := p.Base

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		var pe permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(pause)):
		}
		pause *= 2
	}
	return err
}

// jittered spreads a pause over [3/4 d, 5/4 d).
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}
