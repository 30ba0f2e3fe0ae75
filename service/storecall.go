package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/notary/core"
)

// bounded runs op under timeout. A deadline hit is reported as ErrTransient.
func bounded[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := op(ctx)
	if err != nil && !errors.Is(err, core.ErrTransient) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	return v, err
}

// retryOnce is bounded with one more attempt after a transient failure.
// Only idempotent operations go through here.
func retryOnce[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	v, err := bounded(ctx, timeout, op)
	if errors.Is(err, core.ErrTransient) && ctx.Err() == nil {
		return bounded(ctx, timeout, op)
	}
	return v, err
}
