package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an exponential retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the policy used for upstream connects.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxInterval := p.MaxInterval
	if maxInterval < initial {
		maxInterval = initial
	}

	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initial),
				backoff.WithMaxInterval(maxInterval),
			),
			uint64(attempts-1),
		),
		ctx,
	)
}

// Do runs operation until it succeeds, returns a Permanent error, the
// attempts are exhausted or ctx is done. Each failed attempt is logged.
func Do(ctx context.Context, p Policy, logger *slog.Logger, what string, operation func() error) error {
	return backoff.RetryNotify(operation, p.backOff(ctx), func(err error, d time.Duration) {
		logger.Warn("retrying after failure",
			"operation", what,
			"error", err,
			"next_attempt_in", d.String(),
		)
	})
}

// Permanent wraps err so that Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
