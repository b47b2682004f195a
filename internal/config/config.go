// Package config loads the leadgate settings shared by the producer and the
// consumer binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lsm/leadgate/internal/kafka"
	"github.com/lsm/leadgate/internal/retry"
	"github.com/lsm/leadgate/internal/tracing"
)

// DefaultPath is read when LEADGATE_CONFIG is not set.
const DefaultPath = "/etc/leadgate/leadgate.yaml"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	Kafka       KafkaConfig    `yaml:"kafka"`
	Producer    ProducerConfig `yaml:"producer"`
	Fanout      ConsumerConfig `yaml:"fanout"`
	Worker      ConsumerConfig `yaml:"worker"`
	Delivery    retry.Config   `yaml:"delivery"`
	Storage     StorageConfig  `yaml:"storage"`
	Tracing     tracing.Config `yaml:"tracing"`
	MetricsAddr string         `yaml:"metricsAddr"`
	LogLevel    string         `yaml:"logLevel"`
}

// KafkaConfig holds the named clusters and topic layout.
type KafkaConfig struct {
	Clusters              map[string]*kafka.ClusterConfig `yaml:"clusters"`
	Cluster               string                          `yaml:"cluster"`
	Topics                kafka.Topics                    `yaml:"topics"`
	Partitions            int32                           `yaml:"partitions"`
	Replication           int16                           `yaml:"replication"`
	TransactionalIDPrefix string                          `yaml:"transactionalIdPrefix"`
	ProvisionTopics       bool                            `yaml:"provisionTopics"`
}

// ProducerConfig configures the HTTP intake.
type ProducerConfig struct {
	ListenAddr string          `yaml:"listenAddr"`
	RateLimit  RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig is a per-tenant token bucket. Zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// ConsumerConfig configures one consumer role.
type ConsumerConfig struct {
	Group       string `yaml:"group"`
	Concurrency int    `yaml:"concurrency"`
}

// StorageConfig selects the projection database.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// envOverlay lists the variables that override the file.
type envOverlay struct {
	Brokers               []string `env:"LEADGATE_BROKERS" envSeparator:","`
	Cluster               string   `env:"LEADGATE_KAFKA_CLUSTER"`
	TransactionalIDPrefix string   `env:"LEADGATE_TRANSACTIONAL_ID_PREFIX"`
	StorageDriver         string   `env:"LEADGATE_STORAGE_DRIVER"`
	DatabaseURL           string   `env:"LEADGATE_DATABASE_URL"`
	ListenAddr            string   `env:"LEADGATE_LISTEN_ADDR"`
	MetricsAddr           string   `env:"LEADGATE_METRICS_ADDR"`
	LogLevel              string   `env:"LEADGATE_LOG_LEVEL"`
	FanoutGroup           string   `env:"LEADGATE_FANOUT_GROUP"`
	WorkerGroup           string   `env:"LEADGATE_WORKER_GROUP"`
	TracingEnabled        *bool    `env:"LEADGATE_OTEL_ENABLED"`
	TracingEndpoint       string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Default returns a configuration for a single local broker and SQLite.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Clusters: map[string]*kafka.ClusterConfig{
				"default": {Name: "default", Brokers: []string{"localhost:9092"}},
			},
			Cluster:               "default",
			Topics:                kafka.DefaultTopics(),
			Partitions:            3,
			Replication:           1,
			TransactionalIDPrefix: kafka.DefaultTransactionalPrefix,
		},
		Producer: ProducerConfig{
			ListenAddr: ":8080",
			RateLimit:  RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		},
		Fanout:      ConsumerConfig{Group: "crm-fanout", Concurrency: 3},
		Worker:      ConsumerConfig{Group: "lead-workers", Concurrency: 3},
		Delivery:    retry.DefaultConfig(),
		Storage:     StorageConfig{Driver: DriverSQLite, DSN: "leadgate.db"},
		Tracing:     tracing.Config{Endpoint: "localhost:4317"},
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Path returns LEADGATE_CONFIG or DefaultPath.
func Path() string {
	if p := os.Getenv("LEADGATE_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, applies the environment and validates
// the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for name, c := range cfg.Kafka.Clusters {
		if c != nil {
			c.Name = name
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverlay
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.Cluster != "" {
		c.Kafka.Cluster = o.Cluster
	}
	if len(o.Brokers) > 0 {
		if c.Kafka.Clusters == nil {
			c.Kafka.Clusters = map[string]*kafka.ClusterConfig{}
		}
		cl, ok := c.Kafka.Clusters[c.Kafka.Cluster]
		if !ok || cl == nil {
			cl = &kafka.ClusterConfig{Name: c.Kafka.Cluster}
			c.Kafka.Clusters[c.Kafka.Cluster] = cl
		}
		cl.Brokers = o.Brokers
	}
	setString(&c.Kafka.TransactionalIDPrefix, o.TransactionalIDPrefix)
	setString(&c.Storage.Driver, o.StorageDriver)
	setString(&c.Storage.DSN, o.DatabaseURL)
	setString(&c.Producer.ListenAddr, o.ListenAddr)
	setString(&c.MetricsAddr, o.MetricsAddr)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.Fanout.Group, o.FanoutGroup)
	setString(&c.Worker.Group, o.WorkerGroup)
	setString(&c.Tracing.Endpoint, o.TracingEndpoint)
	if o.TracingEnabled != nil {
		c.Tracing.Enabled = *o.TracingEnabled
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ActiveCluster returns the cluster selected by kafka.cluster.
func (c *Config) ActiveCluster() (*kafka.ClusterConfig, error) {
	cl, ok := c.Kafka.Clusters[c.Kafka.Cluster]
	if !ok || cl == nil {
		return nil, fmt.Errorf("kafka cluster %q is not defined (known: %s)", c.Kafka.Cluster, strings.Join(c.clusterNames(), ", "))
	}
	return cl, nil
}

func (c *Config) clusterNames() []string {
	names := make([]string, 0, len(c.Kafka.Clusters))
	for name := range c.Kafka.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Kafka.Cluster == "" {
		errs = append(errs, errors.New("kafka.cluster is required"))
	} else if cl, err := c.ActiveCluster(); err != nil {
		errs = append(errs, err)
	} else if err := cl.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka.clusters.%s: %w", c.Kafka.Cluster, err))
	}
	if err := c.Kafka.Topics.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.Partitions < 1 {
		errs = append(errs, fmt.Errorf("kafka.partitions must be >= 1, got %d", c.Kafka.Partitions))
	}
	if c.Kafka.Replication < 1 {
		errs = append(errs, fmt.Errorf("kafka.replication must be >= 1, got %d", c.Kafka.Replication))
	}

	if c.Producer.RateLimit.RequestsPerSecond < 0 || c.Producer.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("producer.rateLimit values must not be negative"))
	}
	if c.Producer.RateLimit.RequestsPerSecond > 0 && c.Producer.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("producer.rateLimit.burst must be >= 1 when limiting is enabled"))
	}

	for role, cc := range map[string]ConsumerConfig{"fanout": c.Fanout, "worker": c.Worker} {
		if cc.Group == "" {
			errs = append(errs, fmt.Errorf("%s.group is required", role))
		}
		if cc.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("%s.concurrency must not be negative", role))
		}
	}
	if c.Fanout.Group != "" && c.Fanout.Group == c.Worker.Group {
		errs = append(errs, errors.New("fanout.group and worker.group must differ"))
	}

	if err := c.Delivery.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delivery: %w", err))
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}

	return errors.Join(errs...)
}
