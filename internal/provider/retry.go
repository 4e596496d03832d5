package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/provider"

var meter = otel.Meter(instrumentationName)

// retryCounter counts retry attempts tagged by provider and error kind.
var retryCounter, _ = meter.Int64Counter(
	"citegraphd.provider.retries_total",
	metric.WithDescription("Retry attempts by provider and error kind"),
	metric.WithUnit("{retry}"),
)

// RetryConfig controls the exponential backoff loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the delay, randomized per attempt.
	Jitter float64
}

// DefaultRetryConfig returns the backoff policy used by both clients.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseBackoff: 500 * time.Millisecond,
		Factor:      2.0,
		MaxBackoff:  30 * time.Second,
		Jitter:      0.2,
	}
}

// Validate checks the policy for nonsense values.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be at least 1")
	}
	if c.Factor < 1 {
		return fmt.Errorf("retry: factor must be at least 1")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("retry: jitter must be in [0,1]")
	}
	return nil
}

// backoffFor computes the sleep before retry attempt n (1-based), honoring
// a provider-supplied retry-after hint when it is longer.
func (c RetryConfig) backoffFor(attempt int, hint time.Duration) time.Duration {
	d := time.Duration(float64(c.BaseBackoff) * pow(c.Factor, attempt-1))
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Float64() * c.Jitter * float64(d))
	}
	if hint > d {
		d = hint
	}
	return d
}

func pow(base float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= base
	}
	return out
}

// Do runs fn under the retry policy. Retryable errors back off and retry up
// to MaxAttempts; non-retryable errors surface immediately. Cancellation
// abandons pending retries and returns a KindCancelled error without
// issuing further requests.
func Do[T any](ctx context.Context, providerName, op string, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			var hint time.Duration
			var pe *Error
			if errors.As(lastErr, &pe) {
				hint = pe.RetryAfter
			}
			select {
			case <-time.After(cfg.backoffFor(attempt-1, hint)):
			case <-ctx.Done():
				return zero, NewError(KindCancelled, providerName, op, ctx.Err())
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, NewError(KindCancelled, providerName, op, ctx.Err())
		}
		if !IsRetryable(err) {
			return zero, err
		}

		lastErr = err
		if retryCounter != nil {
			retryCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", providerName),
				attribute.String("kind", string(KindOf(err))),
			))
		}
	}

	return zero, fmt.Errorf("%s %s: attempts exhausted: %w", providerName, op, lastErr)
}

// Limiter wraps a token bucket with a bounded wait. A request that cannot
// acquire a token within maxWait fails with KindRateLimited instead of
// queueing forever.
type Limiter struct {
	bucket   *rate.Limiter
	maxWait  time.Duration
	provider string
}

// NewLimiter builds a Limiter with the given fill rate (tokens per second)
// and burst capacity.
func NewLimiter(providerName string, perSecond float64, burst int, maxWait time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(perSecond), burst),
		maxWait:  maxWait,
		provider: providerName,
	}
}

// Wait blocks until a token is available, the wait budget elapses, or ctx
// is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	waitCtx := ctx
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}
	if err := l.bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return NewError(KindCancelled, l.provider, "wait", ctx.Err())
		}
		return NewError(KindRateLimited, l.provider, "wait", fmt.Errorf("token wait exceeded %s", l.maxWait))
	}
	return nil
}
