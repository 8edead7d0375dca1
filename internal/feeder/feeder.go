// Package feeder polls a faker-style HTTP API on a fixed interval and
// publishes one EXTERNAL_CONTRACT_SIGNED envelope per returned row.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	"github.com/drblury/policyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
)

const (
	statusOK        = "OK"
	fetchMaxTries   = 3
	emptyPayload    = "{}"
	defaultQuantity = 10
)

var (
	ErrURLRequired      = errors.New("feeder: url is required")
	ErrIntervalRequired = errors.New("feeder: interval must be positive")
)

// Row is one record returned by the feed.
type Row struct {
	CustomerID   string `json:"customerId"`
	PolicyNumber string `json:"policyNumber"`
	AgentID      string `json:"agentId"`
}

type feedResponse struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
	Data   []Row  `json:"data"`
}

// StatusError reports a feed answer that was not usable.
type StatusError struct {
	HTTPStatus int
	FeedStatus string
}

func (e *StatusError) Error() string {
	if e.FeedStatus != "" {
		return fmt.Sprintf("feeder: feed returned status %q", e.FeedStatus)
	}
	return fmt.Sprintf("feeder: feed returned http %d", e.HTTPStatus)
}

// Config tunes a Poller.
type Config struct {
	URL      string
	Topic    string
	Interval time.Duration
	Quantity int
	// RetryDelay spaces fetch attempts within one tick. Defaults to one second.
	RetryDelay time.Duration
}

// RunStats summarises one tick.
type RunStats struct {
	Fetched   int
	Published int
	Failed    int
}

// Poller fetches the feed every Interval and publishes each row keyed by its
// policy number.
type Poller struct {
	cfg      Config
	client   *http.Client
	producer runtimepkg.Producer
	logger   loggingpkg.ServiceLogger

	published prometheus.Counter
	failed    prometheus.Counter
	fetchErrs prometheus.Counter
}

// NewPoller validates cfg and registers the feed counters on reg when it is
// not nil.
func NewPoller(cfg Config, client *http.Client, producer runtimepkg.Producer, logger loggingpkg.ServiceLogger, reg prometheus.Registerer) (*Poller, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	if cfg.Interval <= 0 {
		return nil, ErrIntervalRequired
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("feeder: topic is required")
	}
	if producer == nil {
		return nil, fmt.Errorf("feeder: producer is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("feeder: logger is required")
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = defaultQuantity
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	p := &Poller{
		cfg:      cfg,
		client:   client,
		producer: producer,
		logger:   logger.With(loggingpkg.LogFields{"component": "feeder", "topic": cfg.Topic}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policyflow_feed_events_published_total",
			Help: "Envelopes published from the external feed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policyflow_feed_events_failed_total",
			Help: "Feed rows that could not be published",
		}),
		fetchErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policyflow_feed_fetch_failures_total",
			Help: "Feed fetches that failed after all attempts",
		}),
	}
	if reg != nil {
		var err error
		for _, c := range []*prometheus.Counter{&p.published, &p.failed, &p.fetchErrs} {
			if *c, err = registerCounter(reg, *c); err != nil {
				return nil, fmt.Errorf("feeder: register metrics: %w", err)
			}
		}
	}
	return p, nil
}

// Run ticks until ctx is cancelled. The first tick fires immediately. A
// failed tick is logged and the next one runs on schedule.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.logger.Info("Fetching external feed", nil)
		stats, err := p.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("External feed tick failed", err, nil)
		} else if err == nil {
			p.logger.Info("External feed tick finished", loggingpkg.LogFields{
				"fetched":   stats.Fetched,
				"published": stats.Published,
				"failed":    stats.Failed,
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fetches once and publishes every row. Publish failures are counted
// per row and do not abort the tick.
func (p *Poller) Tick(ctx context.Context) (RunStats, error) {
	rows, err := p.fetch(ctx)
	if err != nil {
		p.fetchErrs.Inc()
		return RunStats{}, err
	}

	stats := RunStats{Fetched: len(rows)}
	for _, row := range rows {
		env := envelopepkg.New(envelopepkg.TypeExternalContractSigned, row.PolicyNumber, row.CustomerID, row.AgentID, []byte(emptyPayload))
		ack, err := p.producer.Publish(ctx, p.cfg.Topic, env, runtimepkg.WithMetadata(metadatapkg.New("source", "external-feed")))
		if err != nil {
			stats.Failed++
			p.failed.Inc()
			p.logger.Error("Failed to publish feed row", err, loggingpkg.LogFields{
				"policy_number": row.PolicyNumber,
				"customer_id":   row.CustomerID,
			})
			continue
		}
		stats.Published++
		p.published.Inc()
		p.logger.Debug("Feed row published", loggingpkg.LogFields{
			"event_id":    ack.EventID,
			"subject_key": ack.SubjectKey,
		})
	}
	return stats, nil
}

func (p *Poller) fetch(ctx context.Context) ([]Row, error) {
	target, err := p.requestURL()
	if err != nil {
		return nil, err
	}

	return backoff.Retry(ctx, func() ([]Row, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &StatusError{HTTPStatus: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(&StatusError{HTTPStatus: resp.StatusCode})
		}

		var body feedResponse
		if err := jsoncodec.Decode(resp.Body, &body, false); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("feeder: decode response: %w", err))
		}
		if body.Status != statusOK {
			return nil, backoff.Permanent(&StatusError{HTTPStatus: resp.StatusCode, FeedStatus: body.Status})
		}
		return body.Data, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.RetryDelay)),
		backoff.WithMaxTries(fetchMaxTries),
		backoff.WithMaxElapsedTime(0),
	)
}

// registerCounter returns the already registered counter when the poller is
// rebuilt against the same registry.
func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *Poller) requestURL() (string, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("feeder: parse url: %w", err)
	}
	q := u.Query()
	q.Set("_quantity", strconv.Itoa(p.cfg.Quantity))
	q.Set("customerId", "uuid")
	q.Set("policyNumber", "ean13")
	q.Set("agentId", "name")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
