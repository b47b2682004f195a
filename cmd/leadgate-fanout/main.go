// Command leadgate-fanout copies every lead event into the lead projection
// for its consumer group.
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

	p, err := app.Setup(ctx, "leadgate-fanout")
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
	policy, err := p.DeliveryPolicy(consumer.RoleFanout)
	if err != nil {
		return err
	}

	f, err := consumer.NewFanout(consumer.Config{
		Cluster:     cluster,
		Topic:       cfg.Kafka.Topics.Leads,
		Group:       cfg.Fanout.Group,
		Concurrency: cfg.Fanout.Concurrency,
	}, st.Leads(), policy,
		consumer.WithLogger(p.Logger),
		consumer.WithMetrics(p.Metrics),
		consumer.WithTracer(p.Tracer),
	)
	if err != nil {
		return fmt.Errorf("create fanout consumer: %w", err)
	}

	p.ServeOps()
	p.WatchConfig(ctx)
	p.Health.SetReady(true)

	runErr := f.Run(ctx)
	p.Health.SetReady(false)
	if err := f.Close(); err != nil {
		p.Logger.Error("consumer close error", "error", err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
