package access

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/xiyuyi/visusgo/errs"
)

// RetryPolicy configures exponential backoff for errs.KindIoTransient
// failures, shared by DiskAccess and RemoteAccess so both back off the
// same way instead of each hand-rolling its own loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when a variant is not otherwise configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    1 * time.Second,
}

// withRetry runs fn, retrying while it returns an errs.KindIoTransient
// error, up to p.MaxAttempts, with jittered exponential backoff capped at
// p.MaxDelay. It returns immediately on a non-transient error, or if ctx
// is canceled between attempts.
func withRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultRetryPolicy
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.Is(lastErr, errs.KindIoTransient) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		if jittered > p.MaxDelay {
			jittered = p.MaxDelay
		}

		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()

			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
