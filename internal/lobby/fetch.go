package lobby

import (
	"context"
	"time"

	"github.com/ent0n29/lobbykit/internal/backend"
	"github.com/ent0n29/lobbykit/internal/reliability"
)

// fetchPolicy bounds the wait for a backend's session cache to catch up with
// a create or join.
type fetchPolicy struct {
	attempts int
	step     time.Duration
	cap      time.Duration
}

var defaultFetchPolicy = fetchPolicy{attempts: 8, step: 50 * time.Millisecond, cap: 250 * time.Millisecond}

// fetchSession reads the session until the owner is populated. When the
// budget runs out the last record is returned as is, possibly a ghost.
// onRetry is called before every attempt after the first.
func fetchSession(ctx context.Context, client backend.Client, id string, p fetchPolicy, onRetry func(reason string)) (backend.Record, error) {
	var (
		last    backend.Record
		haveRec bool
		lastErr error
	)
	for attempt := 0; attempt < max(p.attempts, 1); attempt++ {
		if attempt > 0 && onRetry != nil {
			if lastErr != nil {
				onRetry("fetch_error")
			} else {
				onRetry("cache_lag")
			}
		}
		if err := reliability.Sleep(ctx, reliability.LinearBackoff(attempt, p.step, p.cap)); err != nil {
			return backend.Record{}, err
		}
		rec, err := client.CopySessionDetails(ctx, id)
		if err != nil {
			if !reliability.IsTransient(err) {
				return backend.Record{}, err
			}
			lastErr = err
			continue
		}
		lastErr = nil
		last, haveRec = rec, true
		if rec.OwnerID != "" {
			return rec, nil
		}
	}
	if haveRec {
		return last, nil
	}
	return backend.Record{}, lastErr
}
