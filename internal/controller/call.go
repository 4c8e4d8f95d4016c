package controller

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/gpufand/internal/errors"
)

// call runs fn under a per-call deadline. It returns when fn does or when the
// deadline passes, whichever is first; an fn that ignores its context keeps
// running in the background until it returns.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.New().WithData(errors.ErrInternal, fmt.Sprint(r))}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.HasCode(r.err, errors.ErrTimeout) {
			return r.v, errors.New().Wrap(errors.ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.New().Wrap(errors.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

func callErr(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
