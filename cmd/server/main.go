package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/logger"
	"github.com/isdmx/gradebox/mcpserver"
	"github.com/isdmx/gradebox/rpc"
	"github.com/isdmx/gradebox/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Profiles, also advertised by the tools in remote mode
			newRegistry,

			// Local engine or RPC client, based on server.executor
			newExecutor,

			// MCP Server
			newMCPServer,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newRegistry(cfg *config.Config) (*sandbox.Registry, error) {
	return sandbox.NewRegistryFromConfig(cfg, sandbox.OSFileReader{})
}

func newMCPServer(cfg *config.Config, log *zap.Logger, executor sandbox.Executor, registry *sandbox.Registry) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, executor, registry)
}

// newEngine builds the local engine and destroys its leftovers on stop
func newEngine(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, registry *sandbox.Registry) (*sandbox.Engine, error) {
	runtime, err := sandbox.NewRuntimeFromConfig(log, cfg)
	if err != nil {
		return nil, err
	}
	engine := sandbox.NewEngine(log, registry, runtime,
		append(sandbox.EngineOptionsFromConfig(cfg), sandbox.WithRuntimeFactory(sandbox.RuntimeFactoryFromConfig(log, cfg)))...)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := runtime.Ping(ctx); err != nil {
				log.Warn("Container runtime not reachable yet", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			engine.Shutdown(ctx)
			return engine.Close()
		},
	})
	return engine, nil
}

func newExecutor(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, registry *sandbox.Registry) (sandbox.Executor, error) {
	if cfg.Server.Executor == "local" {
		engine, err := newEngine(lc, cfg, log, registry)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}

	broker, err := rpc.NewBrokerFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return broker.Close()
		},
	})

	// An in-process broker has no remote workers; serve it from here.
	if _, ok := broker.(*rpc.MemoryBroker); ok {
		engine, err := newEngine(lc, cfg, log, registry)
		if err != nil {
			return nil, err
		}
		startWorker(lc, log, rpc.NewServerFromConfig(log.Named("worker"), cfg, broker, engine))
	}

	return rpc.NewClientFromConfig(log, cfg, broker), nil
}

// startWorker runs server between the start and stop hooks
func startWorker(lc fx.Lifecycle, log *zap.Logger, server *rpc.Server) {
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
				return stopCtx.Err()
			}
			server.Shutdown(stopCtx)
			return nil
		},
	})
}
