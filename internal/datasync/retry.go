package datasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/port"
)

const (
	// DefaultAttempts is the number of times an operation is invoked before giving up.
	DefaultAttempts = 3
	// DefaultRetryDelay is the constant pause between attempts.
	DefaultRetryDelay = time.Second

	tracerName = "github.com/arklim/portal-sync/internal/datasync"
)

// FetchFunc produces a value or fails. It must honour ctx: once ctx is done it should return
// promptly, ideally with ctx.Err().
type FetchFunc[V any] func(ctx context.Context) (V, error)

// RetryOptions configures a Retrier.
type RetryOptions struct {
	Attempts int
	Delay    time.Duration
}

// Retrier invokes an operation up to Attempts times with a constant Delay between attempts, driven
// by a capped constant backoff policy. The worst case is bounded at Attempts*Delay.
type Retrier struct {
	attempts int
	delay    time.Duration
	logger   *zap.Logger
	metrics  port.FetchMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewRetrier constructs a retrier, applying defaults for unset options.
func NewRetrier(opts RetryOptions) *Retrier {
	r := &Retrier{
		attempts: opts.Attempts,
		delay:    opts.Delay,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	if r.attempts <= 0 {
		r.attempts = DefaultAttempts
	}
	if r.delay <= 0 {
		r.delay = DefaultRetryDelay
	}
	return r
}

// WithLogger attaches a structured logger.
func (r *Retrier) WithLogger(logger *zap.Logger) *Retrier {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithMetrics wires telemetry observers for fetch attempts.
func (r *Retrier) WithMetrics(metrics port.FetchMetrics) *Retrier {
	if metrics != nil {
		r.metrics = metrics
	}
	return r
}

// WithTracer overrides the tracer used for per-attempt spans.
func (r *Retrier) WithTracer(tracer trace.Tracer) *Retrier {
	if tracer != nil {
		r.tracer = tracer
	}
	return r
}

// Attempts returns the configured maximum number of attempts.
func (r *Retrier) Attempts() int { return r.attempts }

// Delay returns the configured pause between attempts.
func (r *Retrier) Delay() time.Duration { return r.delay }

// Do runs op until it succeeds, is cancelled, or every attempt has failed.
//
// A cancellation (ctx done, or op returning context.Canceled / ErrCancelled) stops immediately and
// yields ErrCancelled. Exhaustion yields *ExhaustedRetriesError wrapping the last failure.
func (r *Retrier) Do(ctx context.Context, resource string, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return r.interrupted(ctx, resource, err)
	}

	var (
		attempt int
		lastErr error
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.attempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		attempt++
		err := r.attempt(ctx, resource, attempt, op)
		if err == nil {
			return nil
		}
		if IsCancelled(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		lastErr = err
		if r.metrics != nil {
			r.metrics.IncFetchFailure(resource)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		r.logger.Debug("fetch attempt failed, retrying",
			zap.String("resource", resource),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || IsCancelled(err):
		return r.interrupted(ctx, resource, err)
	}

	if r.metrics != nil {
		r.metrics.IncRetriesExhausted(resource)
	}
	r.logger.Warn("fetch retries exhausted",
		zap.String("resource", resource),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return &ExhaustedRetriesError{Resource: resource, Attempts: attempt, Err: lastErr}
}

// Retry is the value-returning form of Retrier.Do.
func Retry[V any](ctx context.Context, r *Retrier, resource string, op FetchFunc[V]) (V, error) {
	var result V
	err := r.Do(ctx, resource, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result, nil
}

func (r *Retrier) attempt(ctx context.Context, resource string, attempt int, op func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "datasync.fetch", trace.WithAttributes(
		attribute.String("sync.resource", resource),
		attribute.Int("sync.attempt", attempt),
	))
	defer span.End()

	if r.metrics != nil {
		r.metrics.IncFetchAttempt(resource)
	}

	started := r.now()
	err := op(ctx)
	if r.metrics != nil {
		r.metrics.ObserveFetchDuration(resource, r.now().Sub(started))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// interrupted maps a stopped context to its terminal error. A cancelled caller gets ErrCancelled; a
// caller-imposed deadline is reported as a regular failure so it reaches the consumer.
func (r *Retrier) interrupted(ctx context.Context, resource string, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", resource, ctx.Err())
	}
	r.logger.Debug("fetch cancelled", zap.String("resource", resource), zap.NamedError("cause", cause))
	return ErrCancelled
}
