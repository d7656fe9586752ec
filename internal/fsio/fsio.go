// Package fsio bounds host filesystem operations with deadlines so a
// hung mount or slow NFS path surfaces as a retryable timeout instead
// of stalling the whole repair run.
package fsio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// ErrTimeout marks a filesystem operation that exceeded its deadline.
// Callers may retry the operation (or the whole run); the underlying
// goroutine is abandoned, never joined.
var ErrTimeout = errors.New("filesystem operation timed out")

// DefaultTimeout bounds a single read or stat. Generous because the
// common case is a local disk; the guard exists for pathological
// mounts, not throughput.
const DefaultTimeout = 10 * time.Second

// Guard runs filesystem operations under a per-operation deadline.
// The zero value uses DefaultTimeout.
type Guard struct {
	Timeout time.Duration
}

func (g Guard) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return DefaultTimeout
}

// ReadFile reads the whole file, honoring ctx and the guard deadline.
func (g Guard) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return run(ctx, g.timeout(), path, func() ([]byte, error) {
		return os.ReadFile(path)
	})
}

// Stat stats a path, honoring ctx and the guard deadline.
func (g Guard) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	return run(ctx, g.timeout(), path, func() (fs.FileInfo, error) {
		return os.Stat(path)
	})
}

// run executes op in a goroutine and waits for completion, context
// cancellation, or deadline. On deadline the result is discarded and
// the error wraps ErrTimeout with the path for diagnosis.
func run[T any](ctx context.Context, timeout time.Duration, path string, op func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	// Buffered so an abandoned goroutine can still deliver and exit.
	ch := make(chan outcome, 1)
	go func() {
		v, err := op()
		ch <- outcome{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case out := <-ch:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, fmt.Errorf("%s: %w", path, ErrTimeout)
	}
}

// IsTransient reports whether an error is worth one retry. Context
// cancellation is never transient; guard timeouts and the usual
// flaky-IO errno values are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EIO)
}

// Retry runs op, retrying up to attempts times on transient errors
// with a linear backoff (attempt * initialDelay).
func Retry[T any](ctx context.Context, attempts int, initialDelay time.Duration, op func() (T, error)) (T, error) {
	var (
		value T
		err   error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err = op()
		if err == nil || !IsTransient(err) {
			return value, err
		}
		if attempt == attempts {
			break
		}
		delay := time.Duration(attempt) * initialDelay
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
	return value, err
}
