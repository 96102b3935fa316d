// Package app holds the bootstrap shared by the producer and consumer
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/orderbus"
	_ "github.com/trickstertwo/orderbus/adapter/kafka"
	_ "github.com/trickstertwo/orderbus/adapter/memory"
	_ "github.com/trickstertwo/orderbus/adapter/rabbitmq"
	_ "github.com/trickstertwo/orderbus/adapter/redisstream"
	"github.com/trickstertwo/orderbus/internal/config"
	"github.com/trickstertwo/orderbus/internal/telemetry"
)

// App is a bootstrapped process: config, logger, metrics registry and bus.
type App struct {
	Config   config.Config
	Logger   *xlog.Logger
	Registry *prometheus.Registry
	Bus      *orderbus.Bus

	shutdownTracer func(context.Context) error
}

// Option tweaks bootstrap, mostly for tests.
type Option func(*options)

type options struct {
	logOutput io.Writer
	clock     xclock.Clock
}

// WithLogOutput sends logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

func WithClock(c xclock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Load reads config from the environment and bootstraps name.
func Load(ctx context.Context, name string, opts ...Option) (*App, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, name, opts...)
}

// New builds the logger, tracer, metrics registry and bus for cfg. The bus
// transport is picked from the registry by cfg.Transport.
func New(ctx context.Context, cfg config.Config, name string, opts ...Option) (*App, error) {
	o := options{clock: xclock.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	logger := telemetry.NewLogger(cfg.Log, name, o.logOutput)

	tracing := cfg.Tracing
	if tracing.ServiceName == "" || tracing.ServiceName == "orderbus" {
		tracing.ServiceName = name
	}
	tp, tracingOn, shutdownTracer, err := telemetry.InitTracer(ctx, tracing)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom, err := orderbus.NewPrometheusObserver(reg)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	bb := orderbus.NewBusBuilder().
		WithTransport(cfg.Transport, cfg.TransportConfig()).
		WithLogger(logger).
		WithClock(o.clock).
		WithObserver(prom)
	if tracingOn {
		bb.WithTracing(tp)
	}
	bus, err := bb.Build()
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, fmt.Errorf("app: bus on %s: %w", cfg.Transport, err)
	}

	logger.Info().
		Str("transport", cfg.Transport).
		Str("tracing", cfg.Tracing.Endpoint).
		Msg("app: bootstrapped")

	return &App{
		Config:         cfg,
		Logger:         logger,
		Registry:       reg,
		Bus:            bus,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Close shuts the bus down, then flushes traces.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Bus.Close(ctx), a.shutdownTracer(ctx))
}
