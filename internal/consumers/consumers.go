// Package consumers holds the downstream consumer groups of the contract
// topic: notification, documentation, the policy summary stream, the retry
// drill group and the dead-letter consumer.
package consumers

import (
	"context"
	"fmt"
	"strings"

	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/policyflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
)

// FailPrefix marks policy numbers the drill consumer always rejects.
const FailPrefix = "FAIL"

// Notification would email the customer. It only logs.
func Notification(_ context.Context, evt handlerpkg.EnvelopeContext) error {
	evt.Logger.Info("Sending notification to customer", loggingpkg.LogFields{
		"customer_id":   evt.Envelope.CustomerID,
		"policy_number": evt.SubjectKey(),
		"agent_id":      evt.Envelope.AgentID,
	})
	return nil
}

// Documentation would render the contract document. It only logs.
func Documentation(_ context.Context, evt handlerpkg.EnvelopeContext) error {
	evt.Logger.Info("Generating contract document", loggingpkg.LogFields{
		"policy_number": evt.SubjectKey(),
	})
	return nil
}

// RetryDrill fails every envelope whose policy number starts with FailPrefix
// with a retryable error, so the retry and dead-letter path can be exercised
// end to end.
func RetryDrill(_ context.Context, evt handlerpkg.EnvelopeContext) error {
	if strings.HasPrefix(evt.SubjectKey(), FailPrefix) {
		err := fmt.Errorf("failed to process policy: %s", evt.SubjectKey())
		evt.Logger.Error("Intentionally failing policy", err, nil)
		return err
	}
	evt.Logger.Debug("Processed envelope", loggingpkg.LogFields{
		"customer_id": evt.Envelope.CustomerID,
	})
	return nil
}

// Set is what Register wired.
type Set struct {
	Summary *SummaryProjector
	Inbox   *Inbox
}

// Register binds every consumer group named in the service configuration.
// The dead-letter consumer keeps the default log line and alert and also
// records each record into the returned inbox for manual replay.
func Register(svc *runtimepkg.Service) (Set, error) {
	if svc == nil {
		return Set{}, errspkg.ErrServiceRequired
	}
	cfg := svc.Conf

	summary := NewSummaryProjector(svc, cfg.SummaryTopic)
	inbox := NewInbox(DefaultInboxSize)

	registrations := []runtimepkg.ConsumerRegistration{
		{Topic: cfg.Topic, Group: cfg.NotificationGroup, Handler: Notification},
		{Topic: cfg.Topic, Group: cfg.DocumentationGroup, Handler: Documentation},
		{Topic: cfg.Topic, Group: cfg.SummaryGroup, Handler: summary.Handle},
		{Topic: cfg.Topic, Group: cfg.DLQTestGroup, Handler: RetryDrill},
	}
	for _, reg := range registrations {
		if err := runtimepkg.RegisterConsumer(svc, reg); err != nil {
			return Set{}, err
		}
	}

	logDeadLetter := svc.DeadLetterLogger()
	err := runtimepkg.RegisterDeadLetterConsumer(svc, runtimepkg.DeadLetterConsumerRegistration{
		Topic: cfg.Topic,
		Group: cfg.DeadLetterGroup,
		Handler: func(ctx context.Context, rec runtimepkg.DeadLetterRecord) error {
			inbox.Add(rec)
			return logDeadLetter(ctx, rec)
		},
	})
	if err != nil {
		return Set{}, err
	}

	return Set{Summary: summary, Inbox: inbox}, nil
}
