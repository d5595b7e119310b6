// Package poll waits for server-side state with bounded exponential backoff.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// Policy bounds a polling loop.
type Policy struct {
	// Initial is the first wait between probes.
	Initial time.Duration `yaml:"initial"`
	// MaxInterval caps the exponential growth of the wait.
	MaxInterval time.Duration `yaml:"max_interval"`
	// MaxAttempts limits the number of probes; zero means unlimited.
	MaxAttempts uint64 `yaml:"max_attempts"`
	// Timeout limits the total time spent waiting; zero means unlimited.
	Timeout time.Duration `yaml:"timeout"`
}

// Probe inspects remote state once. It returns done=true when the awaited
// condition holds; a non-nil error stops polling immediately.
type Probe func(ctx context.Context) (done bool, err error)

var (
	errNotReady = errors.New("condition not met")
	errNoBound  = errors.New("poll policy needs max attempts or timeout")
)

// Validate rejects policies that could poll forever.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial interval must be positive, got %s", p.Initial)
	}

	if p.MaxAttempts == 0 && p.Timeout <= 0 {
		return errNoBound
	}

	return nil
}

// Until runs probe until it reports done, fails, the budget runs out
// (lob.ErrTimeout) or ctx is cancelled (ctx.Err()).
func Until(ctx context.Context, policy Policy, probe Probe) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	backoff := retry.NewExponential(policy.Initial)
	if policy.MaxInterval > 0 {
		backoff = retry.WithCappedDuration(policy.MaxInterval, backoff)
	}

	if policy.MaxAttempts > 0 {
		// The first probe is not a retry.
		backoff = retry.WithMaxRetries(policy.MaxAttempts-1, backoff)
	}

	if policy.Timeout > 0 {
		backoff = retry.WithMaxDuration(policy.Timeout, backoff)
	}

	attempts := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		done, err := probe(ctx)
		if err != nil {
			return err
		}

		if !done {
			return retry.RetryableError(errNotReady)
		}

		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotReady):
		return fmt.Errorf("gave up after %d attempts: %w", attempts, lob.ErrTimeout)
	default:
		return err
	}
}
