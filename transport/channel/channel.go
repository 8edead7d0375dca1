// Package channel provides an in-memory Go channel transport for policyflow.
// It is meant for tests and local development.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/policyflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// ErrClosed is returned when publishing or subscribing after Close.
var ErrClosed = errors.New("channel: transport closed")

// Factory allows overriding the channel creation for testing. It is called
// once per consumer group.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
//
// Every consumer group gets its own gochannel and one lane per subscribed
// topic. Publish only appends the message to each lane and returns, so the
// caller never waits on a consumer. A lane hands its group the next message
// once the previous one was acked, which keeps publish order within a group
// across retries. Groups never wait on each other.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	h := &hub{logger: logger, lanes: make(map[string][]*lane)}
	return transport.Transport{
		Publisher:     h,
		NewSubscriber: h.newSubscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type hub struct {
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	lanes  map[string][]*lane
	closed bool
}

// Publish queues copies of msgs on every lane subscribed to topic. Messages
// published while a group has no subscription are not kept for it.
func (h *hub) Publish(topic string, msgs ...*message.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	lanes := h.lanes[topic]
	if len(lanes) == 0 {
		h.logger.Info("No subscribers to send message", watermill.LogFields{"topic": topic})
		return nil
	}
	for _, l := range lanes {
		for _, msg := range msgs {
			l.push(msg.Copy())
		}
	}
	return nil
}

func (h *hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, lanes := range h.lanes {
		for _, l := range lanes {
			l.close()
		}
	}
	h.lanes = map[string][]*lane{}
	return nil
}

func (h *hub) addLane(l *lane) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.lanes[l.topic] = append(h.lanes[l.topic], l)
	return nil
}

func (h *hub) removeLane(l *lane) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lanes := h.lanes[l.topic]
	for i, candidate := range lanes {
		if candidate == l {
			h.lanes[l.topic] = append(lanes[:i:i], lanes[i+1:]...)
			break
		}
	}
	l.close()
}

func (h *hub) newSubscriber(group string) (message.Subscriber, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, h.logger)
	return &groupSubscriber{hub: h, group: group, pub: pub, sub: sub}, nil
}

// groupSubscriber is the subscriber of one consumer group.
type groupSubscriber struct {
	hub   *hub
	group string
	pub   message.Publisher
	sub   message.Subscriber

	mu     sync.Mutex
	lanes  []*lane
	closed bool
}

func (s *groupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	out, err := s.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	l := newLane(s.group, topic, s.pub, s.hub.logger)
	if err := s.hub.addLane(l); err != nil {
		return nil, err
	}
	s.lanes = append(s.lanes, l)
	go l.run()
	go func() {
		select {
		case <-ctx.Done():
			s.hub.removeLane(l)
		case <-l.done:
		}
	}()
	return out, nil
}

func (s *groupSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lanes := s.lanes
	s.lanes = nil
	s.mu.Unlock()

	for _, l := range lanes {
		s.hub.removeLane(l)
	}
	return errors.Join(s.sub.Close(), s.pub.Close())
}

// lane forwards the messages of one topic to one group, one at a time.
type lane struct {
	group  string
	topic  string
	pub    message.Publisher
	logger watermill.LoggerAdapter

	mu    sync.Mutex
	queue []*message.Message

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newLane(group, topic string, pub message.Publisher, logger watermill.LoggerAdapter) *lane {
	return &lane{
		group:  group,
		topic:  topic,
		pub:    pub,
		logger: logger.With(watermill.LogFields{"consumer_group": group, "topic": topic}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *lane) push(msg *message.Message) {
	l.mu.Lock()
	l.queue = append(l.queue, msg)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) next() (*message.Message, bool) {
	for {
		select {
		case <-l.done:
			return nil, false
		default:
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			msg := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return msg, true
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.done:
			return nil, false
		}
	}
}

// run blocks on each publish until the group acked the message. A nack makes
// gochannel deliver the same message again before the next one.
func (l *lane) run() {
	for {
		msg, ok := l.next()
		if !ok {
			return
		}
		if err := l.pub.Publish(l.topic, msg); err != nil {
			l.logger.Error("Lane stopped", err, watermill.LogFields{"message_uuid": msg.UUID})
			l.close()
			return
		}
	}
}

// pending reports how many messages wait for the group.
func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *lane) close() {
	l.closeOnce.Do(func() { close(l.done) })
}
