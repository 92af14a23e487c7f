// Package retry implements the error recovery policy used around
// provider calls: classified retries with exponential backoff and an
// optional fallback once the retry budget is exhausted.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/vango-go/vocalis/pkg/core"
)

// Options controls a retry loop. The zero value means no retries and
// a 1s base delay.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so
	// the operation runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the backoff unit. Delay after the n-th failure is
	// BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// Classify decides whether an error is worth retrying. Nil means
	// DefaultClassify.
	Classify func(error) bool

	// Sleep is swapped out in tests. Nil means a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) classify(err error) bool {
	if o.Classify != nil {
		return o.Classify(err)
	}
	return DefaultClassify(err)
}

func (o Options) baseDelay() time.Duration {
	if o.BaseDelay > 0 {
		return o.BaseDelay
	}
	return time.Second
}

func (o Options) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
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

// Delay returns the backoff delay applied after the given failed
// attempt, counted from 1.
func (o Options) Delay(attempt int) time.Duration {
	return o.baseDelay() * (1 << (attempt - 1))
}

// DefaultClassify retries rate limits, transient provider failures,
// and network timeouts. Context cancellation, hard timeouts, and
// client errors are final.
func DefaultClassify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return true
}

// Do runs op under the retry policy and returns its last result.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !opts.classify(err) || attempt == opts.MaxRetries {
			break
		}
		if serr := opts.sleep(ctx, opts.Delay(attempt+1)); serr != nil {
			return zero, serr
		}
	}
	return zero, lastErr
}

// DoWithFallback runs op under the retry policy; once the budget is
// exhausted (or the error is final) it runs fallback. A failing
// fallback propagates the original error, not its own.
func DoWithFallback[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error), fallback func(ctx context.Context) (T, error)) (T, error) {
	v, err := Do(ctx, opts, op)
	if err == nil || fallback == nil {
		return v, err
	}
	if errors.Is(err, context.Canceled) {
		return v, err
	}
	// A dead context would doom the fallback before it starts.
	if ctx.Err() != nil {
		return v, err
	}
	fv, ferr := fallback(ctx)
	if ferr != nil {
		return v, err
	}
	return fv, nil
}
