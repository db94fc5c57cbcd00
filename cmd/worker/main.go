package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/logger"
	"github.com/isdmx/gradebox/metrics"
	"github.com/isdmx/gradebox/rpc"
	"github.com/isdmx/gradebox/sandbox"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newMetrics,
			newRegistry,
			newEngine,
			rpc.NewBrokerFromConfig,
			newServer,
		),

		fx.Invoke(
			serveMetrics,
			serve,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newMetrics() (*metrics.Metrics, *prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	return m, reg, nil
}

func newRegistry(cfg *config.Config) (*sandbox.Registry, error) {
	return sandbox.NewRegistryFromConfig(cfg, sandbox.OSFileReader{})
}

func newEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, registry *sandbox.Registry, m *metrics.Metrics) (*sandbox.Engine, error) {
	runtime, err := sandbox.NewRuntimeFromConfig(log, cfg)
	if err != nil {
		return nil, err
	}

	opts := append(sandbox.EngineOptionsFromConfig(cfg),
		sandbox.WithObserver(m),
		sandbox.WithRuntimeFactory(sandbox.RuntimeFactoryFromConfig(log, cfg)))
	engine := sandbox.NewEngine(log, registry, runtime, opts...)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := runtime.Ping(ctx); err != nil {
				log.Warn("Container runtime not reachable yet", zap.Error(err))
			}
			log.Info("Profiles registered", zap.Strings("profiles", registry.Names()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Shutdown(ctx)
			return engine.Close()
		},
	})
	return engine, nil
}

func newServer(cfg *config.Config, log *zap.Logger, broker rpc.Broker, engine *sandbox.Engine, m *metrics.Metrics) *rpc.Server {
	return rpc.NewServerFromConfig(log, cfg, broker, engine, rpc.WithRequestObserver(m))
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) {
	if !cfg.Metrics.Enabled {
		return
	}
	server := metrics.NewServer(log, cfg.Metrics.Address, reg)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			server.Start()
			return nil
		},
		OnStop: server.Shutdown,
	})
}

// serve consumes requests between the start and stop hooks. On stop it
// waits for requests in flight, then cleans up what remote callers left.
func serve(lc fx.Lifecycle, log *zap.Logger, broker rpc.Broker, server *rpc.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := server.Serve(ctx); err != nil {
					log.Error("Worker stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				log.Warn("Requests still in flight at shutdown")
			}
			server.Shutdown(stopCtx)
			return broker.Close()
		},
	})
}
