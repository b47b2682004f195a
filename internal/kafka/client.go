package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ClientOptions returns the connection options for a cluster.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.Auth.Mechanism != "" {
		saslOpt, err := saslOption(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, saslOpt)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

// ProducerSettings tunes the transactional lead producer.
type ProducerSettings struct {
	TransactionalID string
	Linger          time.Duration
	RequestTimeout  time.Duration
	DeliveryTimeout time.Duration
}

// DefaultTransactionalPrefix prefixes the host name in transactional ids.
const DefaultTransactionalPrefix = "lead-tx-"

// TransactionalID returns prefix followed by the host name, so each
// producer host fences only its own previous incarnation.
func TransactionalID(prefix string) string {
	if prefix == "" {
		prefix = DefaultTransactionalPrefix
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return prefix + host
}

// DefaultProducerSettings returns acks=all friendly defaults.
func DefaultProducerSettings(transactionalID string) ProducerSettings {
	return ProducerSettings{
		TransactionalID: transactionalID,
		Linger:          5 * time.Millisecond,
		RequestTimeout:  30 * time.Second,
		DeliveryTimeout: 120 * time.Second,
	}
}

// TransactionalProducerOptions returns options for an idempotent,
// transaction-capable producer with lz4 compression.
func TransactionalProducerOptions(cfg *ClusterConfig, s ProducerSettings) ([]kgo.Opt, error) {
	if s.TransactionalID == "" {
		return nil, fmt.Errorf("transactional id is required")
	}
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	return append(opts,
		kgo.TransactionalID(s.TransactionalID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression(), kgo.NoCompression()),
		kgo.ProducerLinger(s.Linger),
		kgo.ProduceRequestTimeout(s.RequestTimeout),
		kgo.RecordDeliveryTimeout(s.DeliveryTimeout),
	), nil
}

// ConsumerSettings selects the group and topic a consumer role reads.
type ConsumerSettings struct {
	Group string
	Topic string
	// OnRevoked runs before partitions are taken away so marked offsets can
	// be committed while the client still owns them.
	OnRevoked func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32)
}

// ConsumerOptions returns options for a group consumer that commits
// manually, reads only committed transactional records and keeps
// partitions assigned while a poll's records are in flight.
func ConsumerOptions(cfg *ClusterConfig, s ConsumerSettings) ([]kgo.Opt, error) {
	if s.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if s.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(s.Group),
		kgo.ConsumeTopics(s.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if s.OnRevoked != nil {
		opts = append(opts, kgo.OnPartitionsRevoked(s.OnRevoked))
	}
	return opts, nil
}

// CommitOnRevoke commits marked offsets for partitions being revoked unless
// skip reports true, which a consumer sets after it stopped on an error.
func CommitOnRevoke(logger *slog.Logger, skip func() bool) func(context.Context, *kgo.Client, map[string][]int32) {
	return func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
		if skip != nil && skip() {
			logger.Warn("partitions revoked after failure, marked offsets not committed", "revoked", revoked)
			return
		}
		if err := cl.CommitMarkedOffsets(ctx); err != nil {
			logger.Error("commit on revoke failed", "revoked", revoked, "error", err)
			return
		}
		logger.Info("partitions revoked", "revoked", revoked)
	}
}

func saslOption(auth AuthConfig) (kgo.Opt, error) {
	var mechanism sasl.Mechanism

	switch auth.Mechanism {
	case "PLAIN":
		mechanism = plain.Auth{User: auth.Username, Pass: auth.Password}.AsMechanism()
	case "SCRAM-SHA-256":
		mechanism = scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha256Mechanism()
	case "SCRAM-SHA-512":
		mechanism = scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha512Mechanism()
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", auth.Mechanism)
	}

	return kgo.SASL(mechanism), nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for local clusters
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
