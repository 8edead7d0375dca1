package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
)

// RetryPolicy bounds how often a failed envelope is dispatched again. A handler
// runs at most MaxRetries+1 times for one envelope.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration

	// Backoff replaces the fixed Delay. It is called once per envelope, so
	// stateful policies such as exponential backoff never leak between deliveries.
	Backoff func() backoff.BackOff
}

// DefaultRetryPolicy waits one second between attempts and retries twice.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: configpkg.DefaultRetryMaxRetries,
		Delay:      configpkg.DefaultRetryDelay,
	}
}

// RetryPolicyFromConfig reads the retry settings of conf.
func RetryPolicyFromConfig(conf *configpkg.Config) RetryPolicy {
	if conf == nil {
		return DefaultRetryPolicy()
	}
	return RetryPolicy{MaxRetries: conf.MaxRetries(), Delay: conf.RetryDelay}
}

func (p RetryPolicy) maxTries() uint {
	if p.MaxRetries <= 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.Backoff != nil {
		if b := p.Backoff(); b != nil {
			return b
		}
	}
	return backoff.NewConstantBackOff(p.Delay)
}

// AttemptError is the classified failure of the latest dispatch.
type AttemptError struct {
	Classification Classification
	Err            error
}

func (e *AttemptError) Error() string {
	return e.Classification.String() + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() error { return e.Err }

// DeliveryAttempt lives only while an envelope is being retried.
type DeliveryAttempt struct {
	Envelope envelopepkg.Envelope
	Consumer string
	Topic    string
	Group    string

	// AttemptCount is the number of retries performed so far. It is 0 during the
	// first dispatch.
	AttemptCount int
	LastError    *AttemptError
}

// Dispatch invokes the handler once for attempt.
type Dispatch func(ctx context.Context, attempt *DeliveryAttempt) error

// Outcome summarises what happened to one envelope.
type Outcome struct {
	// Err is the error of the last dispatch, nil on success.
	Err            error
	Classification Classification

	// Invocations counts dispatch calls, including ones that failed to decode.
	// Attempts counts retries, which is what the dead-letter record reports as
	// exhausted attempts.
	Invocations int
	Attempts    int

	// Exhausted is set when a retryable failure outlived the policy.
	Exhausted bool
	// Aborted is set when the context ended first. The envelope must not be
	// committed so the broker delivers it again.
	Aborted bool
}

// Succeeded reports whether the last dispatch returned nil.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && !o.Aborted
}

// DeadLetter reports whether the envelope has to be routed to the dead-letter topic.
func (o Outcome) DeadLetter() bool {
	if o.Aborted || o.Err == nil {
		return false
	}
	return o.Exhausted || o.Classification == Fatal
}

// RetryScheduler re-dispatches failed envelopes according to a RetryPolicy.
type RetryScheduler struct {
	policy     RetryPolicy
	classifier FailureClassifier

	// OnRetry runs after a retryable failure, before the wait.
	OnRetry func(ctx context.Context, attempt *DeliveryAttempt, delay time.Duration)
}

// NewRetryScheduler pairs a policy with the classifier that decides what is retryable.
func NewRetryScheduler(policy RetryPolicy, classifier FailureClassifier) *RetryScheduler {
	if classifier == nil {
		classifier = NewFailureClassifier()
	}
	return &RetryScheduler{policy: policy, classifier: classifier}
}

// Policy returns the policy the scheduler was built with.
func (r *RetryScheduler) Policy() RetryPolicy {
	return r.policy
}

// Schedule dispatches attempt until it succeeds, fails fatally, exhausts the
// policy or ctx ends. The wait between attempts only blocks the caller.
func (r *RetryScheduler) Schedule(ctx context.Context, attempt *DeliveryAttempt, dispatch Dispatch) Outcome {
	var out Outcome

	operation := func() (struct{}, error) {
		attempt.AttemptCount = out.Invocations
		out.Invocations++

		err := dispatch(ctx, attempt)
		if err == nil {
			attempt.LastError = nil
			return struct{}{}, nil
		}

		class := r.classifier.Classify(err)
		attempt.LastError = &AttemptError{Classification: class, Err: err}
		if class == Fatal {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(_ error, delay time.Duration) {
		if r.OnRetry != nil {
			r.OnRetry(ctx, attempt, delay)
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.policy.newBackOff()),
		backoff.WithMaxTries(r.policy.maxTries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return out
	}

	out.Attempts = attempt.AttemptCount
	if attempt.LastError == nil {
		out.Err = err
		out.Aborted = true
		return out
	}

	out.Err = attempt.LastError.Err
	out.Classification = attempt.LastError.Classification
	switch {
	case ctx.Err() != nil:
		out.Aborted = true
	case out.Classification != Fatal:
		out.Exhausted = true
	}
	return out
}
