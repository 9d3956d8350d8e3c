package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errOpTimeout marks a deadline hit inside runWithTimeout
var errOpTimeout = errors.New("operation timed out")

// timeoutSpec names an operation and its wall-clock budget
type timeoutSpec struct {
	op string
	d  time.Duration
}

// runWithTimeout executes fn under the given timeout, converting a deadline
// hit into a descriptive error instead of leaving the caller hanging.
func runWithTimeout(ctx context.Context, timeout timeoutSpec, fn func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout.d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panic: %v", timeout.op, r)
			}
		}()
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("%s after %v: %w", timeout.op, timeout.d, errOpTimeout)
	}
}
