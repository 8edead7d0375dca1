package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "POLICYFLOW_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads an optional YAML file, overlays POLICYFLOW_* variables from the
// process environment and applies defaults. path may be empty.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// LoadFile decodes a YAML config file. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds a config from environment variables only. Defaults are not
// applied.
func FromEnv(lookup LookupFunc) (Config, error) {
	var cfg Config
	err := cfg.ApplyEnv(lookup)
	return cfg, err
}

// ApplyEnv overwrites fields whose POLICYFLOW_* variable is set. Parse
// failures are collected and returned together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	e := envReader{lookup: lookup}

	e.str("PUBSUB_SYSTEM", &c.PubSubSystem)
	e.list("KAFKA_BROKERS", &c.KafkaBrokers)
	e.str("KAFKA_CLIENT_ID", &c.KafkaClientID)
	e.boolean("KAFKA_PROVISION_TOPICS", &c.KafkaProvisionTopics)
	e.int32("KAFKA_TOPIC_PARTITIONS", &c.KafkaTopicPartitions)
	e.int16("KAFKA_REPLICATION_FACTOR", &c.KafkaReplicationFactor)
	e.str("RABBITMQ_URL", &c.RabbitMQURL)
	e.str("NATS_URL", &c.NATSURL)
	e.str("AWS_REGION", &c.AWSRegion)
	e.str("AWS_ACCOUNT_ID", &c.AWSAccountID)
	e.str("AWS_ACCESS_KEY_ID", &c.AWSAccessKeyID)
	e.str("AWS_SECRET_ACCESS_KEY", &c.AWSSecretAccessKey)
	e.str("AWS_ENDPOINT", &c.AWSEndpoint)

	e.str("TOPIC", &c.Topic)
	e.str("SUMMARY_TOPIC", &c.SummaryTopic)
	e.str("DEAD_LETTER_SUFFIX", &c.DeadLetterSuffix)
	e.str("NOTIFICATION_GROUP", &c.NotificationGroup)
	e.str("DOCUMENTATION_GROUP", &c.DocumentationGroup)
	e.str("SUMMARY_GROUP", &c.SummaryGroup)
	e.str("DLQ_TEST_GROUP", &c.DLQTestGroup)
	e.str("DEAD_LETTER_GROUP", &c.DeadLetterGroup)

	e.optionalInt("RETRY_MAX_RETRIES", &c.RetryMaxRetries)
	e.duration("RETRY_DELAY", &c.RetryDelay)
	e.boolean("RETRY_DISABLED", &c.RetryDisabled)

	e.str("CODEC", &c.Codec)
	e.str("SCHEMA_REGISTRY_URL", &c.SchemaRegistryURL)
	e.str("SCHEMA_SUBJECT", &c.SchemaSubject)
	e.str("DATABASE_URL", &c.DatabaseURL)

	e.boolean("FEED_ENABLED", &c.FeedEnabled)
	e.str("FEED_URL", &c.FeedURL)
	e.duration("FEED_INTERVAL", &c.FeedInterval)
	e.integer("FEED_QUANTITY", &c.FeedQuantity)

	e.integer("HTTP_PORT", &c.HTTPPort)
	e.boolean("METRICS_ENABLED", &c.MetricsEnabled)
	e.integer("METRICS_PORT", &c.MetricsPort)
	e.boolean("WEBUI_ENABLED", &c.WebUIEnabled)
	e.integer("WEBUI_PORT", &c.WebUIPort)
	e.list("WEBUI_CORS_ALLOWED_ORIGINS", &c.WebUICORSAllowedOrigins)
	e.str("SERVICE_NAME", &c.ServiceName)
	e.str("OTLP_ENDPOINT", &c.OTLPEndpoint)
	e.str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

// optionalInt leaves dst nil for an empty variable so defaults still apply.
func (e *envReader) optionalInt(key string, dst **int) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = &n
}

func (e *envReader) int32(key string, dst *int32) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = int32(n)
}

func (e *envReader) int16(key string, dst *int16) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 16)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = int16(n)
}

// duration accepts Go durations ("1500ms") and bare integers as milliseconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok || v == "" {
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}
