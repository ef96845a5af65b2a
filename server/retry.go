package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/storage"
)

const (
	retryInitialInterval = 25 * time.Millisecond
	retryMaxInterval     = 250 * time.Millisecond
)

// storeCaller runs store operations under the configured timeout.
// Reads are retried on transient failures; writes never are, because a
// timed-out write may already have been applied.
type storeCaller struct {
	timeout time.Duration
	retries int
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// readStore runs a read-only store call and retries transient failures.
// Errors come back classified, so storage.IsTransient works on them.
func readStore[T any](ctx context.Context, c *storeCaller, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := callOnce(ctx, c, op, fn)
		if err != nil && !storage.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Reset()

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.retries+1)), // #nosec G115 -- retries is never negative after defaults
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("Retrying store read after transient failure",
				"operation", op, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil && storage.IsTransient(err) {
		c.metrics.RecordTransientFailure(ctx, op)
	}
	if err != nil && ctx.Err() != nil && !storage.IsTransient(err) {
		// Retry gave up because the request itself was cancelled
		err = storage.ClassifyError(err)
	}
	return v, err
}

// writeStore runs a state-changing store call exactly once
func writeStore[T any](ctx context.Context, c *storeCaller, op string, fn func(context.Context) (T, error)) (T, error) {
	v, err := callOnce(ctx, c, op, fn)
	if err != nil && storage.IsTransient(err) {
		c.metrics.RecordTransientFailure(ctx, op)
	}
	return v, err
}

// writeStoreErr is writeStore for calls without a result
func writeStoreErr(ctx context.Context, c *storeCaller, op string, fn func(context.Context) error) error {
	_, err := writeStore(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// callOnce applies the store timeout and classifies the resulting error
func callOnce[T any](ctx context.Context, c *storeCaller, op string, fn func(context.Context) (T, error)) (T, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		err = storage.ClassifyError(err)
		if storage.IsTransient(err) {
			c.logger.Warn("Store call failed transiently", "operation", op, "error", err)
		}
	}
	return v, err
}
