// Package app wires the process-level pieces every leadgate binary needs:
// configuration, logging, tracing, metrics, health and storage.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/leadgate/internal/config"
	"github.com/lsm/leadgate/internal/delivery"
	"github.com/lsm/leadgate/internal/dlq"
	"github.com/lsm/leadgate/internal/kafka"
	"github.com/lsm/leadgate/internal/observability"
	"github.com/lsm/leadgate/internal/store"
	"github.com/lsm/leadgate/internal/store/postgres"
	"github.com/lsm/leadgate/internal/store/sqlite"
	"github.com/lsm/leadgate/internal/tracing"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// Process holds the shared runtime of one binary.
type Process struct {
	Name     string
	Config   *config.Config
	Logger   *slog.Logger
	Level    *slog.LevelVar
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthServer
	Tracer   trace.Tracer

	configPath      string
	shutdownTracing func(context.Context) error
	ops             *http.Server
	closers         []func() error
}

// Setup loads the config from config.Path and initializes logging,
// metrics and tracing for the named binary.
func Setup(ctx context.Context, name string) (*Process, error) {
	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(""))
	logger := observability.NewLogger(name, level)
	slog.SetDefault(logger)

	path := config.Path()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level.Set(observability.GetLogLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	tcfg := cfg.Tracing
	tcfg.ServiceName = name
	tracer, shutdownTracing, err := tracing.Initialize(ctx, tcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &Process{
		Name:            name,
		Config:          cfg,
		Logger:          logger,
		Level:           level,
		Registry:        reg,
		Metrics:         observability.NewMetrics(reg),
		Health:          observability.NewHealthServer(),
		Tracer:          tracer,
		configPath:      path,
		shutdownTracing: shutdownTracing,
	}, nil
}

// OpsHandler serves /metrics, /healthz and /readyz.
func (p *Process) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", p.Health.Handler())
	mux.Handle("GET /readyz", p.Health.Handler())
	return mux
}

// ServeOps starts the metrics and health server in the background.
func (p *Process) ServeOps() {
	p.ops = &http.Server{Addr: p.Config.MetricsAddr, Handler: p.OpsHandler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		p.Logger.Info("metrics server starting", "addr", p.Config.MetricsAddr)
		if err := p.ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Logger.Error("metrics server error", "error", err)
		}
	}()
}

// WatchConfig reloads the config file in the background until ctx is done
// and applies log level changes.
func (p *Process) WatchConfig(ctx context.Context) {
	w := config.NewWatcher(p.configPath, p.Config, p.Logger)
	w.OnChange(p.applyConfig)
	go func() {
		if err := w.Watch(ctx); err != nil {
			p.Logger.Warn("config watcher stopped", "error", err)
		}
	}()
}

func (p *Process) applyConfig(cfg *config.Config) {
	level := observability.GetLogLevel(cfg.LogLevel)
	if level != p.Level.Level() {
		p.Logger.Info("log level changed", "from", p.Level.Level(), "to", level)
		p.Level.Set(level)
	}
}

// Cluster returns the selected Kafka cluster.
func (p *Process) Cluster() (*kafka.ClusterConfig, error) {
	return p.Config.ActiveCluster()
}

// OpenStore opens the configured projection store and registers it as a
// readiness check. It is closed by Shutdown.
func (p *Process) OpenStore(ctx context.Context) (store.Store, error) {
	st, err := OpenStore(ctx, p.Config.Storage)
	if err != nil {
		return nil, err
	}
	p.Health.AddCheck("storage", st.Ping)
	p.onShutdown(st.Close)
	return st, nil
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// DeliveryPolicy builds the retry and dead-letter policy for a consumer
// role. The dead-letter producer is closed by Shutdown.
func (p *Process) DeliveryPolicy(role string) (*delivery.Policy, error) {
	cluster, err := p.Cluster()
	if err != nil {
		return nil, err
	}
	producer, err := kafka.NewPartitionedProducer(cluster)
	if err != nil {
		return nil, fmt.Errorf("dead-letter producer: %w", err)
	}
	handler := dlq.NewHandler(producer, p.Config.Kafka.Topics.DeadLetter)
	p.onShutdown(handler.Close)

	return delivery.New(role, p.Config.Delivery, handler,
		delivery.WithLogger(p.Logger),
		delivery.WithMetrics(p.Metrics),
		delivery.WithTracer(p.Tracer),
	)
}

func (p *Process) onShutdown(fn func() error) {
	p.closers = append(p.closers, fn)
}

// Shutdown marks the process not ready, closes what was opened in reverse
// order and stops the ops server and tracing.
func (p *Process) Shutdown(ctx context.Context) {
	p.Health.SetReady(false)

	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			p.Logger.Error("close error", "error", err)
		}
	}
	p.closers = nil

	if p.ops != nil {
		if err := p.ops.Shutdown(ctx); err != nil {
			p.Logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if p.shutdownTracing != nil {
		if err := p.shutdownTracing(ctx); err != nil {
			p.Logger.Error("tracing shutdown error", "error", err)
		}
	}
	p.Logger.Info("shutdown complete")
}
