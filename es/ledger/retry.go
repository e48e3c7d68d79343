package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/getpup/pupledger/es"
)

// ErrRetriesExhausted is returned by AppendWithRetry when every attempt
// failed with a retryable error. It wraps the last error.
var ErrRetriesExhausted = errors.New("append retries exhausted")

// RetryPolicy bounds AppendWithRetry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential delay
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns a policy suitable for interactive commands.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// Backoff returns the jittered delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	delay := p.InitialBackoff
	for i := 1; i < attempt && (p.MaxBackoff <= 0 || delay < p.MaxBackoff); i++ {
		delay *= 2
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	// equal jitter: half fixed, half random
	half := delay / 2
	return half + rand.N(half+1)
}

// DecideFunc builds the events to append given the stream's current version.
// It is called again on every retry, so it must re-read whatever state it
// depends on.
type DecideFunc func(ctx context.Context, currentVersion int64) ([]es.PendingEvent, error)

// AppendWithRetry reads the stream version, asks decide for events and
// appends them expecting that version. Concurrency conflicts and transient
// storage errors are retried with backoff up to policy.MaxAttempts; any
// other error, including one returned by decide, is returned as is.
func (l *Ledger) AppendWithRetry(ctx context.Context, streamID string, policy RetryPolicy, decide DecideFunc) (es.AppendResult, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := l.attempt(ctx, streamID, decide)
		if err == nil {
			return result, nil
		}
		if !es.IsRetryable(err) {
			return es.AppendResult{}, err
		}
		if attempt >= maxAttempts {
			return es.AppendResult{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := policy.Backoff(attempt)
		if l.logger != nil {
			l.logger.Debug(ctx, "retrying append",
				"stream_id", streamID,
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return es.AppendResult{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Ledger) attempt(ctx context.Context, streamID string, decide DecideFunc) (es.AppendResult, error) {
	current, err := l.adapter.GetStreamVersion(ctx, l.db, streamID)
	if err != nil {
		return es.AppendResult{}, err
	}
	events, err := decide(ctx, current)
	if err != nil {
		return es.AppendResult{}, err
	}
	return l.Append(ctx, streamID, es.FromCurrent(current), events...)
}
