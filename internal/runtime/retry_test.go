package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
)

func newAttempt() *DeliveryAttempt {
	return &DeliveryAttempt{
		Envelope: sampleEnvelope("POL-1", "CONTRACT_SIGNED"),
		Consumer: "notification-group@contract-events",
		Topic:    testTopic,
		Group:    "notification-group",
	}
}

func TestRetrySchedulerSucceedsFirstTime(t *testing.T) {
	scheduler := NewRetryScheduler(*fastRetryPolicy(), nil)

	calls := 0
	out := scheduler.Schedule(context.Background(), newAttempt(), func(context.Context, *DeliveryAttempt) error {
		calls++
		return nil
	})

	assert.True(t, out.Succeeded())
	assert.False(t, out.DeadLetter())
	assert.Equal(t, 1, out.Invocations)
	assert.Equal(t, 1, calls)
}

func TestRetrySchedulerRecoversAfterRetries(t *testing.T) {
	scheduler := NewRetryScheduler(*fastRetryPolicy(), nil)

	var seen []int
	out := scheduler.Schedule(context.Background(), newAttempt(), func(_ context.Context, a *DeliveryAttempt) error {
		seen = append(seen, a.AttemptCount)
		if a.AttemptCount < 2 {
			return errors.New("mail server busy")
		}
		return nil
	})

	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.Invocations)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestRetrySchedulerExhaustsRetryableFailures(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, Delay: 20 * time.Millisecond}
	scheduler := NewRetryScheduler(policy, nil)

	var delays []time.Duration
	scheduler.OnRetry = func(_ context.Context, a *DeliveryAttempt, delay time.Duration) {
		require.NotNil(t, a.LastError)
		assert.Equal(t, Retryable, a.LastError.Classification)
		delays = append(delays, delay)
	}

	errBusy := errors.New("mail server busy")
	start := time.Now()
	out := scheduler.Schedule(context.Background(), newAttempt(), func(context.Context, *DeliveryAttempt) error {
		return errBusy
	})

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.ErrorIs(t, out.Err, errBusy)
	assert.Equal(t, Retryable, out.Classification)
	assert.Equal(t, 3, out.Invocations)
	assert.Equal(t, 2, out.Attempts)
	assert.True(t, out.Exhausted)
	assert.True(t, out.DeadLetter())
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestRetrySchedulerSkipsRetriesForFatalFailures(t *testing.T) {
	scheduler := NewRetryScheduler(*fastRetryPolicy(), nil)
	scheduler.OnRetry = func(context.Context, *DeliveryAttempt, time.Duration) {
		t.Fatal("fatal failures must not be retried")
	}

	calls := 0
	out := scheduler.Schedule(context.Background(), newAttempt(), func(context.Context, *DeliveryAttempt) error {
		calls++
		return errspkg.ErrUnprocessable
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, Fatal, out.Classification)
	assert.Equal(t, 0, out.Attempts)
	assert.False(t, out.Exhausted)
	assert.True(t, out.DeadLetter())
	assert.ErrorIs(t, out.Err, errspkg.ErrUnprocessable)
}

func TestRetrySchedulerWithoutRetries(t *testing.T) {
	scheduler := NewRetryScheduler(RetryPolicy{MaxRetries: 0, Delay: time.Hour}, nil)

	calls := 0
	out := scheduler.Schedule(context.Background(), newAttempt(), func(context.Context, *DeliveryAttempt) error {
		calls++
		return errors.New("busy")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, out.Exhausted)
	assert.Equal(t, 0, out.Attempts)
}

func TestRetrySchedulerAbortsWhenContextEnds(t *testing.T) {
	scheduler := NewRetryScheduler(RetryPolicy{MaxRetries: 2, Delay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.OnRetry = func(context.Context, *DeliveryAttempt, time.Duration) {
		cancel()
	}

	errBusy := errors.New("busy")
	out := scheduler.Schedule(ctx, newAttempt(), func(context.Context, *DeliveryAttempt) error {
		return errBusy
	})

	assert.True(t, out.Aborted)
	assert.False(t, out.DeadLetter())
	assert.False(t, out.Succeeded())
	assert.Equal(t, 1, out.Invocations)
	assert.ErrorIs(t, out.Err, errBusy)
}

func TestRetrySchedulerUsesCustomBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 1,
		Delay:      time.Hour,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}
	scheduler := NewRetryScheduler(policy, nil)

	var delay time.Duration
	scheduler.OnRetry = func(_ context.Context, _ *DeliveryAttempt, d time.Duration) { delay = d }

	out := scheduler.Schedule(context.Background(), newAttempt(), func(context.Context, *DeliveryAttempt) error {
		return errors.New("busy")
	})

	assert.Equal(t, time.Millisecond, delay)
	assert.Equal(t, 2, out.Invocations)
	assert.Equal(t, policy.MaxRetries, scheduler.Policy().MaxRetries)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	assert.Equal(t, DefaultRetryPolicy(), RetryPolicyFromConfig(nil))
	assert.Equal(t, 2, DefaultRetryPolicy().MaxRetries)
	assert.Equal(t, time.Second, DefaultRetryPolicy().Delay)

	conf := configpkg.Config{}.WithDefaults()
	policy := RetryPolicyFromConfig(&conf)
	assert.Equal(t, configpkg.DefaultRetryMaxRetries, policy.MaxRetries)
	assert.Equal(t, configpkg.DefaultRetryDelay, policy.Delay)

	zero := 0
	conf.RetryMaxRetries = &zero
	assert.Equal(t, 0, RetryPolicyFromConfig(&conf).MaxRetries, "an explicit 0 is kept")
	assert.Equal(t, uint(1), RetryPolicyFromConfig(&conf).maxTries())

	five := 5
	conf.RetryMaxRetries = &five
	assert.Equal(t, 5, RetryPolicyFromConfig(&conf).MaxRetries)
	conf.RetryDisabled = true
	assert.Equal(t, 0, RetryPolicyFromConfig(&conf).MaxRetries)
}

func TestAttemptErrorUnwraps(t *testing.T) {
	inner := errors.New("busy")
	err := &AttemptError{Classification: Retryable, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "retryable: busy", err.Error())
}
