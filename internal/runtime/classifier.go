package runtime

import (
	"errors"

	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
)

// Classification tells the retry scheduler what to do with a failed dispatch.
type Classification string

const (
	// Retryable failures are re-dispatched until the retry policy runs out.
	Retryable Classification = "retryable"
	// Fatal failures skip the remaining attempts and go straight to the
	// dead-letter topic.
	Fatal Classification = "fatal"
)

func (c Classification) String() string {
	return string(c)
}

// FailureClassifier decides whether a handler error is worth another attempt.
type FailureClassifier interface {
	Classify(err error) Classification
}

// FailureClassifierFunc adapts a plain function to FailureClassifier.
type FailureClassifierFunc func(err error) Classification

func (f FailureClassifierFunc) Classify(err error) Classification {
	return f(err)
}

// ClassifierOption registers additional non-retryable error kinds.
type ClassifierOption func(*PolicyClassifier)

// WithNonRetryable marks errors matching any of errs (via errors.Is) as fatal.
func WithNonRetryable(errs ...error) ClassifierOption {
	return func(c *PolicyClassifier) {
		for _, target := range errs {
			if target == nil {
				continue
			}
			c.matchers = append(c.matchers, func(err error) bool {
				return errors.Is(err, target)
			})
		}
	}
}

// WithNonRetryableType marks every error assignable to T (via errors.As) as fatal.
func WithNonRetryableType[T error]() ClassifierOption {
	return func(c *PolicyClassifier) {
		c.matchers = append(c.matchers, func(err error) bool {
			var target T
			return errors.As(err, &target)
		})
	}
}

// WithNonRetryableFunc marks errors for which fn returns true as fatal.
func WithNonRetryableFunc(fn func(error) bool) ClassifierOption {
	return func(c *PolicyClassifier) {
		if fn != nil {
			c.matchers = append(c.matchers, fn)
		}
	}
}

// PolicyClassifier treats every error as retryable unless one of its matchers
// says otherwise. Decode failures, ErrUnprocessable and ErrDeadLetter are always
// fatal.
type PolicyClassifier struct {
	matchers []func(error) bool
}

// NewFailureClassifier builds the default policy extended with opts.
func NewFailureClassifier(opts ...ClassifierOption) *PolicyClassifier {
	c := &PolicyClassifier{}
	WithNonRetryable(errspkg.ErrUnprocessable, errspkg.ErrDeadLetter)(c)
	WithNonRetryableType[*errspkg.SerializationError]()(c)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify returns Fatal for registered error kinds and Retryable for the rest,
// panics and timeouts included.
func (c *PolicyClassifier) Classify(err error) Classification {
	if err == nil {
		return ""
	}
	for _, match := range c.matchers {
		if match(err) {
			return Fatal
		}
	}
	return Retryable
}
