// Command leadgate-producer accepts leads over HTTP and publishes one
// transactional lead event per request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lsm/leadgate/internal/api"
	"github.com/lsm/leadgate/internal/app"
	"github.com/lsm/leadgate/internal/kafka"
	"github.com/lsm/leadgate/internal/publisher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := app.Setup(ctx, "leadgate-producer")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer shutdownCancel()
		p.Shutdown(shutdownCtx)
	}()
	cfg := p.Config
	logger := p.Logger

	cluster, err := p.Cluster()
	if err != nil {
		return err
	}

	if cfg.Kafka.ProvisionTopics {
		if err := provisionTopics(ctx, p); err != nil {
			return err
		}
	}

	txnID := kafka.TransactionalID(cfg.Kafka.TransactionalIDPrefix)
	pub, err := publisher.New(cluster, kafka.DefaultProducerSettings(txnID), cfg.Kafka.Topics.Leads,
		publisher.WithLogger(logger),
		publisher.WithMetrics(p.Metrics),
		publisher.WithTracer(p.Tracer),
	)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error("publisher close error", "error", err)
		}
	}()
	logger.Info("transactional publisher ready", "transactional_id", txnID, "topic", cfg.Kafka.Topics.Leads)

	srv, err := api.New(pub,
		api.WithLogger(logger),
		api.WithRateLimit(cfg.Producer.RateLimit.RequestsPerSecond, cfg.Producer.RateLimit.Burst),
	)
	if err != nil {
		return err
	}

	p.ServeOps()
	p.WatchConfig(ctx)
	p.Health.SetReady(true)

	err = srv.Start(ctx, cfg.Producer.ListenAddr)
	p.Health.SetReady(false)
	return err
}

func provisionTopics(ctx context.Context, p *app.Process) error {
	cluster, err := p.Cluster()
	if err != nil {
		return err
	}
	admin, err := kafka.NewAdmin(cluster)
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer admin.Close()

	k := p.Config.Kafka
	specs := kafka.LeadTopicSpecs(k.Topics, k.Partitions, k.Replication)
	if err := kafka.ProvisionTopics(ctx, admin, specs, p.Logger); err != nil {
		return fmt.Errorf("provision topics: %w", err)
	}
	return nil
}
