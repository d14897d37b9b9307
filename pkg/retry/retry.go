// Package retry bounds hardware polling loops.
//
// Devices signal completion (reset done, DMA descriptor retired) by
// flipping bits in config space or a BAR. Polling them forever hangs the
// caller when the device is wedged, so every loop goes through Until,
// which gives up with ErrUnresponsive once the deadline passes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrUnresponsive is returned when a polled condition never became true
// within the allotted time.
var ErrUnresponsive = errors.New("device unresponsive")

var errNotReady = errors.New("condition not met")

const (
	initialInterval = 10 * time.Microsecond
	maxInterval     = 10 * time.Millisecond
)

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts polling immediately.
type Condition func() (bool, error)

// Until polls cond with exponential backoff until it returns true, returns
// an error, ctx is done or timeout elapses.
func Until(ctx context.Context, timeout time.Duration, cond Condition) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = timeout

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotReady
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errNotReady):
		return fmt.Errorf("gave up after %v: %w", timeout, ErrUnresponsive)
	default:
		return err
	}
}
