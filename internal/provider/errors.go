package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

var (
	// ErrProviderUnavailable signals a connectivity or auth failure.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited signals an upstream 429; always retryable.
	ErrRateLimited = errors.New("provider rate limited")

	// errNotRetryable marks failures (auth) that must not be retried.
	errNotRetryable = errors.New("not retryable")
)

// MaxRetries bounds retry attempts for transient provider failures.
const MaxRetries = 3

// classify maps an upstream error onto the provider error taxonomy.
// Only the HTTP status is surfaced, never the raw provider payload.
func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w", op, ErrRateLimited)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: auth rejected (status %d): %w",
				op, apiErr.StatusCode, errors.Join(ErrProviderUnavailable, errNotRetryable))
		default:
			return fmt.Errorf("%s: upstream status %d: %w", op, apiErr.StatusCode, ErrProviderUnavailable)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out: %w", op, ErrProviderUnavailable)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrProviderUnavailable, err))
}

// IsTransient reports whether an error should be retried: rate limits,
// timeouts, and connectivity failures are transient; auth failures are not.
func IsTransient(err error) bool {
	if errors.Is(err, errNotRetryable) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable)
}

// Retry runs op with exponential backoff for transient provider errors,
// bounded to MaxRetries attempts beyond the first. Non-transient errors
// fail immediately.
func Retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return retry(ctx, b, op)
}

func retry(ctx context.Context, b backoff.BackOff, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx))
}
