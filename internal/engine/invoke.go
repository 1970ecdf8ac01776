package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// invoker bounds a collaborator call with a timeout and at most one retry.
// A zero timeout means no per-attempt deadline beyond the caller's context.
type invoker struct {
	timeout time.Duration
	retry   bool
}

func newInvoker(timeout time.Duration, retries int) invoker {
	return invoker{timeout: timeout, retry: retries > 0}
}

// call runs fn, retrying once on a retryable error while ctx is still live.
func call[T any](ctx context.Context, iv invoker, fn func(context.Context) (T, error)) (T, error) {
	v, err := attempt(ctx, iv, fn)
	if err == nil || !iv.retry || !retryable(ctx, err) {
		return v, err
	}
	v, err2 := attempt(ctx, iv, fn)
	if err2 != nil {
		return v, fmt.Errorf("retry failed: %w (first attempt: %v)", err2, err)
	}
	return v, nil
}

// run is call for functions with no result.
func run(ctx context.Context, iv invoker, fn func(context.Context) error) error {
	_, err := call(ctx, iv, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func attempt[T any](ctx context.Context, iv invoker, fn func(context.Context) (T, error)) (T, error) {
	if iv.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, iv.timeout)
	defer cancel()
	return fn(ctx)
}

// retryable reports whether a second attempt could succeed. Missing records
// and a cancelled turn are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}
