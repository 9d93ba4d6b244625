package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func retryFlaky(err error) Class {
	return Class{Retryable: errors.Is(err, errFlaky), RecordFailure: true}
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	exec := NewExecutor(fastPolicy(), nil)

	attempts := 0
	err := exec.Execute(context.Background(), "push", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		return nil
	}, retryFlaky)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	exec := NewExecutor(fastPolicy(), nil)

	attempts := 0
	err := exec.Execute(context.Background(), "push", func(context.Context) error {
		attempts++
		return errFlaky
	}, retryFlaky)

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastPolicy(), nil)
	errRejected := errors.New("rejected")

	attempts := 0
	err := exec.Execute(context.Background(), "push", func(context.Context) error {
		attempts++
		return errRejected
	}, retryFlaky)

	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, 1, attempts)
}

func TestExecuteHonoursCancelledContext(t *testing.T) {
	exec := NewExecutor(fastPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := exec.Execute(ctx, "push", func(context.Context) error {
		called = true
		return nil
	}, retryFlaky)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	policy.BreakerEnabled = true
	policy.BreakerMinRequests = 2
	policy.BreakerFailureRatio = 0.5
	policy.BreakerOpenTimeout = time.Minute
	exec := NewExecutor(policy, nil)

	fail := func(context.Context) error { return errFlaky }
	for range 2 {
		require.ErrorIs(t, exec.Execute(context.Background(), "pull", fail, retryFlaky), errFlaky)
	}

	called := false
	err := exec.Execute(context.Background(), "pull", func(context.Context) error {
		called = true
		return nil
	}, retryFlaky)
	assert.True(t, IsCircuitOpen(err))
	assert.False(t, called)

	// Breakers are per operation.
	assert.NoError(t, exec.Execute(context.Background(), "push", func(context.Context) error { return nil }, retryFlaky))
}

func TestIgnoredFailuresDoNotTripBreaker(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	policy.BreakerEnabled = true
	policy.BreakerMinRequests = 1
	exec := NewExecutor(policy, nil)

	errInvalid := errors.New("invalid")
	ignore := func(error) Class { return Class{} }
	for range 3 {
		require.ErrorIs(t, exec.Execute(context.Background(), "push", func(context.Context) error { return errInvalid }, ignore), errInvalid)
	}
	assert.NoError(t, exec.Execute(context.Background(), "push", func(context.Context) error { return nil }, ignore))
}

func TestSyncPolicyNormalizes(t *testing.T) {
	p := SyncPolicy(0, 500, 100)
	assert.Equal(t, DefaultPolicy().MaxAttempts, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 500*time.Millisecond, p.MaxBackoff)
}
