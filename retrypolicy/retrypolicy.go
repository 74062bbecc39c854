// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package retrypolicy implements the retry policies used by the Agent to
// retry CONNECT attempts and other idempotent operations that may fail
// transiently.
package retrypolicy

import (
	"context"
	"math/rand/v2"
	"time"
)

// Task is a unit of retryable work.
type Task struct {
	// Name identifies the task in log messages.
	Name string
	// Exec performs one attempt. A nil return is treated as success.
	Exec func(ctx context.Context) error
	// Cond reports whether err is retryable. It is only consulted when Exec
	// returns a non-nil error; returning false stops retrying immediately.
	Cond func(err error) bool
}

// RetryPolicy governs how Start retries a Task.
type RetryPolicy interface {
	// Start executes task, retrying per the policy until it succeeds, Cond
	// reports the error as non-retryable, the retry budget is exhausted, or
	// ctx is cancelled. onError is called (in the shape of slog.Logger.Error)
	// after every failed attempt that will be retried.
	Start(
		ctx context.Context,
		onError func(msg string, args ...any),
		task Task,
	) error
}

// exponentialBackoffRetryPolicy retries with a jittered exponential backoff,
// doubling the wait on every attempt up to maxInterval.
type exponentialBackoffRetryPolicy struct {
	maxRetries   int
	initInterval time.Duration
	maxInterval  time.Duration
}

// Option configures an exponentialBackoffRetryPolicy.
type Option func(*exponentialBackoffRetryPolicy)

// WithMaxRetries bounds the number of attempts (including the first). A
// value <= 0 means unlimited, which is the default.
func WithMaxRetries(n int) Option {
	return func(p *exponentialBackoffRetryPolicy) { p.maxRetries = n }
}

// WithInitialInterval sets the wait before the first retry. Default 1s.
func WithInitialInterval(d time.Duration) Option {
	return func(p *exponentialBackoffRetryPolicy) { p.initInterval = d }
}

// WithMaxInterval caps the backoff growth. Default 10s.
func WithMaxInterval(d time.Duration) Option {
	return func(p *exponentialBackoffRetryPolicy) { p.maxInterval = d }
}

// NewExponentialBackoffRetryPolicy builds the default retry policy used for
// Agent reconnection: unlimited retries, 1s initial backoff doubling up to a
// 10s cap, each wait jittered into [interval/2, interval].
func NewExponentialBackoffRetryPolicy(opts ...Option) RetryPolicy {
	p := &exponentialBackoffRetryPolicy{
		initInterval: time.Second,
		maxInterval:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *exponentialBackoffRetryPolicy) Start(
	ctx context.Context,
	onError func(msg string, args ...any),
	task Task,
) error {
	interval := p.initInterval
	var lastErr error

	for attempt := 1; p.maxRetries <= 0 || attempt <= p.maxRetries; attempt++ {
		err := task.Exec(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if task.Cond != nil && !task.Cond(err) {
			return err
		}
		if p.maxRetries > 0 && attempt >= p.maxRetries {
			return err
		}

		if onError != nil {
			onError(
				"retrying task after error",
				"task", task.Name,
				"attempt", attempt,
				"error", err,
			)
		}

		wait := jitter(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		interval *= 2
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}

	return lastErr
}

// jitter returns a duration uniformly distributed in [d/2, d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half+1)))
}
