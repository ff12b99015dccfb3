package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// RetryReason names a known-recoverable create failure.
type RetryReason string

const (
	RetryNone             RetryReason = ""
	RetryWithoutVoice     RetryReason = "voice_unavailable"
	RetryAfterQuotaWindow RetryReason = "limit_exceeded"
)

// ClassifyCreateError reports how a failed session create may be retried.
// Everything not listed is surfaced to the caller.
func ClassifyCreateError(err error) RetryReason {
	switch {
	case errors.Is(err, backend.ErrVoiceUnavailable):
		return RetryWithoutVoice
	case errors.Is(err, backend.ErrLimitExceeded):
		return RetryAfterQuotaWindow
	default:
		return RetryNone
	}
}

// IsTransient reports whether err is worth retrying on an idempotent read.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrInvalidParameters) ||
		errors.Is(err, backend.ErrNotOwner) || errors.Is(err, backend.ErrNotConfigured) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// LinearBackoff grows by step per attempt, starting at zero, capped at cap.
func LinearBackoff(attempt int, step, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(attempt) * step
	if d > cap {
		return cap
	}
	return d
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
