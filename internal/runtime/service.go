package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	codecpkg "github.com/drblury/policyflow/internal/runtime/codec"
	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	"github.com/drblury/policyflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields zero to get the defaults derived from the configuration.
type ServiceDependencies struct {
	// TransportBuilder defaults to the registered transport named by
	// Config.PubSubSystem.
	TransportBuilder transport.Builder
	// Codec defaults to the codec named by Config.Codec.
	Codec codecpkg.Codec
	// Classifier defaults to NewFailureClassifier().
	Classifier FailureClassifier
	// RetryPolicy overrides the retry settings of the configuration.
	RetryPolicy *RetryPolicy

	DeliveryHooks DeliveryHooks
	AlertHooks    AlertHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// Registerer receives the router and dead-letter metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Service wires a Watermill router, the envelope publisher, one subscriber per
// consumer group and the retry and dead-letter machinery.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher     message.Publisher
	newSubscriber transport.SubscriberFactory
	provisioner   transport.TopicProvisioner
	router        *message.Router

	codec       codecpkg.Codec
	envelopes   *Publisher
	retry       *RetryScheduler
	deadLetters *DeadLetterRouter
	dlqMetrics  *DLQMetrics
	registerer  prometheus.Registerer
	hooks       DeliveryHooks
	alerts      AlertHooks

	consumers     []*ConsumerInfo
	consumerIndex map[consumerKey]*ConsumerInfo
	sourceTopics  map[string]struct{}
	consumersMu   sync.RWMutex

	httpServers   map[int]*chi.Mux
	running       []*http.Server
	httpServersMu sync.Mutex

	processSampler *processSampler
}

// NewService constructs a Service for the supplied configuration. Register
// consumers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	withDefaults := conf.WithDefaults()
	conf = &withDefaults
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		log = loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	if err := checkTransportCapabilities(conf.PubSubSystem, log); err != nil {
		return nil, err
	}

	build := deps.TransportBuilder
	if build == nil {
		build = transport.Build
	}
	tr, err := build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	if tr.Publisher == nil || tr.NewSubscriber == nil {
		return nil, fmt.Errorf("policyflow: transport %q is incomplete", conf.PubSubSystem)
	}

	codec := deps.Codec
	if codec == nil {
		codec, err = codecpkg.New(codecpkg.Options{
			Name:              conf.Codec,
			SchemaRegistryURL: conf.SchemaRegistryURL,
			SchemaSubject:     conf.SchemaSubject,
		})
		if err != nil {
			return nil, err
		}
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	dlqMetrics := NewDLQMetrics(registerer)
	if err := dlqMetrics.Register(); err != nil {
		return nil, fmt.Errorf("policyflow: register dead letter metrics: %w", err)
	}

	envelopes, err := NewPublisher(tr.Publisher, codec)
	if err != nil {
		return nil, err
	}

	policy := RetryPolicyFromConfig(conf)
	if deps.RetryPolicy != nil {
		policy = *deps.RetryPolicy
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewFailureClassifier()
	}

	s := &Service{
		Conf:           conf,
		Logger:         log,
		publisher:      tr.Publisher,
		newSubscriber:  tr.NewSubscriber,
		provisioner:    tr.Provisioner,
		codec:          codec,
		envelopes:      envelopes,
		retry:          NewRetryScheduler(policy, classifier),
		dlqMetrics:     dlqMetrics,
		registerer:     registerer,
		hooks:          deps.DeliveryHooks,
		alerts:         deps.AlertHooks,
		consumerIndex:  make(map[consumerKey]*ConsumerInfo),
		sourceTopics:   make(map[string]struct{}),
		processSampler: newProcessSampler(),
	}
	s.retry.OnRetry = s.onRetry
	s.deadLetters = NewDeadLetterRouter(tr.Publisher, conf.DeadLetterSuffix, log, dlqMetrics, deps.AlertHooks)

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// checkTransportCapabilities refuses a transport that may lose unacked
// messages and logs the guarantees a usable one lacks.
func checkTransportCapabilities(name string, log loggingpkg.ServiceLogger) error {
	caps, ok := transport.LookupCapabilities(name)
	if !ok {
		log.Info("Transport registered no capabilities, delivery guarantees are unchecked", loggingpkg.LogFields{
			"pubsub_system": name,
		})
		return nil
	}
	if err := caps.CheckDelivery(); err != nil {
		return fmt.Errorf("policyflow: %w", err)
	}
	if missing := caps.Shortfalls(); len(missing) > 0 {
		log.Info("Transport lacks delivery guarantees", loggingpkg.LogFields{
			"pubsub_system": name,
			"missing":       missing,
		})
	}
	return nil
}

// Start provisions topics, starts the HTTP surfaces and runs every registered
// runner until ctx is cancelled or Close is called. In-flight envelopes finish
// before subscriptions are released.
func (s *Service) Start(ctx context.Context) error {
	if err := s.EnsureTopics(ctx, s.registeredSourceTopics()...); err != nil {
		return err
	}
	s.StartWebUIServer()
	s.startHTTPServers()
	defer s.stopHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once every runner has subscribed.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router, waiting for in-flight envelopes, then closes the publisher.
func (s *Service) Close() error {
	return errors.Join(s.router.Close(), s.publisher.Close())
}

// EnsureTopics creates each topic and its dead-letter topic on transports that
// need topics up front. It is a no-op elsewhere.
func (s *Service) EnsureTopics(ctx context.Context, topics ...string) error {
	if s.provisioner == nil {
		return nil
	}
	for _, topic := range topics {
		dlt := s.deadLetters.TopicFor(topic)
		if err := s.provisioner.EnsureTopic(ctx, topic, dlt); err != nil {
			return fmt.Errorf("policyflow: provision %q: %w", topic, err)
		}
		s.Logger.Debug("Topic provisioned", loggingpkg.LogFields{
			"topic":             topic,
			"dead_letter_topic": dlt,
		})
	}
	return nil
}

// Consumers returns the registered runners.
func (s *Service) Consumers() []*ConsumerInfo {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return append([]*ConsumerInfo(nil), s.consumers...)
}

// DeadLetterTopic returns the dead-letter topic paired with topic.
func (s *Service) DeadLetterTopic(topic string) string {
	return s.deadLetters.TopicFor(topic)
}

// DLQMetrics exposes the dead-letter statistics.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// Codec returns the wire codec shared by the publisher and every runner.
func (s *Service) Codec() codecpkg.Codec {
	return s.codec
}

func (s *Service) registeredSourceTopics() []string {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()

	topics := make([]string, 0, len(s.sourceTopics))
	for topic := range s.sourceTopics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("policyflow: register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getProcessSampler() *processSampler {
	if s.processSampler == nil {
		s.processSampler = newProcessSampler()
	}
	return s.processSampler
}

// RegisterHTTPHandler mounts handler on the server listening on port.
// Handlers must be registered before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*chi.Mux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = chi.NewRouter()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range s.running {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
	s.running = nil
}
