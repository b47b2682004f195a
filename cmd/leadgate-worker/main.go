// Command leadgate-worker maintains the aggregate projection and the offset
// ledger, sharing partitions with the other workers in its group.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lsm/leadgate/internal/app"
	"github.com/lsm/leadgate/internal/consumer"
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

	p, err := app.Setup(ctx, "leadgate-worker")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer shutdownCancel()
		p.Shutdown(shutdownCtx)
	}()

	cfg := p.Config
	cluster, err := p.Cluster()
	if err != nil {
		return err
	}
	st, err := p.OpenStore(ctx)
	if err != nil {
		return err
	}
	policy, err := p.DeliveryPolicy(consumer.RoleWorker)
	if err != nil {
		return err
	}

	w, err := consumer.NewWorker(consumer.Config{
		Cluster:     cluster,
		Topic:       cfg.Kafka.Topics.Leads,
		Group:       cfg.Worker.Group,
		Concurrency: cfg.Worker.Concurrency,
	}, st, policy,
		consumer.WithLogger(p.Logger),
		consumer.WithMetrics(p.Metrics),
		consumer.WithTracer(p.Tracer),
	)
	if err != nil {
		return fmt.Errorf("create worker consumer: %w", err)
	}

	p.ServeOps()
	p.WatchConfig(ctx)
	p.Health.SetReady(true)

	runErr := w.Run(ctx)
	p.Health.SetReady(false)
	if err := w.Close(); err != nil {
		p.Logger.Error("consumer close error", "error", err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
