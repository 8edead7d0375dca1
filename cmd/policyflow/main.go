// Command policyflow runs the contract event pipeline: the contract API, the
// optional external feed and every downstream consumer group.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/policyflow/internal/consumers"
	"github.com/drblury/policyflow/internal/contracts"
	"github.com/drblury/policyflow/internal/feeder"
	"github.com/drblury/policyflow/internal/observability"
	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	_ "github.com/drblury/policyflow/transport/transports"
)

// configFileEnv optionally names a YAML config file. Environment variables
// override its values.
const configFileEnv = configpkg.EnvPrefix + "CONFIG_FILE"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "policyflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := configpkg.Load(os.Getenv(configFileEnv))
	if err != nil {
		return err
	}
	logger := loggingpkg.NewJSONServiceLogger(os.Stdout, loggingpkg.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error("Failed to flush traces", err, nil)
		}
	}()

	svc, err := runtimepkg.NewService(&cfg, logger, ctx, runtimepkg.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close event service", err, nil)
		}
	}()

	set, err := consumers.Register(svc)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, svc.Conf.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	signer, err := contracts.NewSigningService(store, svc, svc.Conf.Topic, logger)
	if err != nil {
		return err
	}

	handlers := &api{
		service:  svc.Conf.ServiceName,
		topic:    svc.Conf.Topic,
		signer:   signer,
		producer: svc,
		inbox:    set.Inbox,
		replay:   svc,
		logger:   logger,
	}
	svc.RegisterHTTPHandler(svc.Conf.HTTPPort, "/*", handlers.routes())

	if svc.Conf.FeedEnabled {
		poller, err := feeder.NewPoller(feeder.Config{
			URL:      svc.Conf.FeedURL,
			Topic:    svc.Conf.Topic,
			Interval: svc.Conf.FeedInterval,
			Quantity: svc.Conf.FeedQuantity,
		}, &http.Client{Timeout: 10 * time.Second}, svc, logger, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		go func() {
			select {
			case <-svc.Running():
			case <-ctx.Done():
				return
			}
			if err := poller.Run(ctx); err != nil {
				logger.Error("Feed poller stopped", err, nil)
			}
		}()
	}

	logger.Info("Starting policyflow", loggingpkg.LogFields{
		"pubsub_system": svc.Conf.PubSubSystem,
		"topic":         svc.Conf.Topic,
		"http_port":     svc.Conf.HTTPPort,
		"feed_enabled":  svc.Conf.FeedEnabled,
	})
	return svc.Start(ctx)
}

// openStore keeps contracts in Postgres when a database URL is configured and
// in memory otherwise.
func openStore(ctx context.Context, databaseURL string, logger loggingpkg.ServiceLogger) (contracts.Store, func(), error) {
	if databaseURL == "" {
		logger.Info("No database configured, keeping contracts in memory", nil)
		return contracts.NewMemoryStore(), func() {}, nil
	}

	pool, err := contracts.OpenPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := contracts.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
