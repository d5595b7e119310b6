package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// TestUntil_Succeeds stops probing as soon as the condition holds.
func TestUntil_Succeeds(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Until(context.Background(), Policy{Initial: time.Millisecond, MaxAttempts: 10}, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

// TestUntil_AttemptBudget yields ErrTimeout after exactly MaxAttempts probes.
func TestUntil_AttemptBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Until(context.Background(), Policy{Initial: time.Millisecond, MaxAttempts: 4}, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.Equal(t, 4, calls)
}

// TestUntil_TimeBudget yields ErrTimeout when the duration budget runs out.
func TestUntil_TimeBudget(t *testing.T) {
	t.Parallel()

	policy := Policy{Initial: time.Millisecond, MaxInterval: 2 * time.Millisecond, Timeout: 20 * time.Millisecond}
	started := time.Now()

	err := Until(context.Background(), policy, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, lob.ErrTimeout)
	require.Less(t, time.Since(started), 2*time.Second)
}

// TestUntil_ProbeError stops immediately and returns the probe's error.
func TestUntil_ProbeError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0

	err := Until(context.Background(), Policy{Initial: time.Millisecond, MaxAttempts: 5}, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, lob.ErrTimeout)
	require.Equal(t, 1, calls)
}

// TestUntil_Cancelled returns the context error when the caller cancels.
func TestUntil_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	err := Until(ctx, Policy{Initial: 50 * time.Millisecond, MaxAttempts: 100}, func(context.Context) (bool, error) {
		cancel()
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

// TestPolicy_Validate rejects unbounded or zero-interval policies.
func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, Policy{}.Validate())
	require.Error(t, Policy{Initial: time.Second}.Validate())
	require.NoError(t, Policy{Initial: time.Second, Timeout: time.Minute}.Validate())
}
