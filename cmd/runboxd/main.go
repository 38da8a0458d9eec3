// Package main is the entry point for the runbox daemon.
//
// runboxd hosts the secure code-execution subsystem: it provisions the
// sandbox image, keeps the stale-container reaper running and exposes
// the orchestrator to in-process callers. Execution requests reach the
// orchestrator through the sandbox package API; persistence and HTTP
// surfaces live outside this repository.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/courselab/runbox/config"
	"github.com/courselab/runbox/logger"
	"github.com/courselab/runbox/sandbox"
)

func newEngine(cfg *config.Config, log *zap.Logger) *sandbox.Engine {
	return sandbox.NewEngine(log, cfg.Engine.Binary)
}

func newProvisioner(log *zap.Logger, engine *sandbox.Engine) *sandbox.Provisioner {
	return sandbox.NewProvisioner(log, engine)
}

func newOrchestrator(log *zap.Logger, cfg *config.Config, engine *sandbox.Engine, provisioner *sandbox.Provisioner, cache sandbox.ResultCache) *sandbox.Orchestrator {
	return sandbox.NewOrchestrator(log, cfg, engine, provisioner, sandbox.WithCache(cache))
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newEngine,
			newProvisioner,
			sandbox.NewCache,
			newOrchestrator,
			sandbox.NewGrader,
			sandbox.NewReaper,
		),

		fx.Invoke(
			// Probe the engine at startup so operators see availability
			// immediately. An unreachable engine is not fatal here: the
			// orchestrator fails closed per request either way.
			func(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, orchestrator *sandbox.Orchestrator, provisioner *sandbox.Provisioner) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := orchestrator.Healthy(ctx); err != nil {
							log.Warn("container engine unreachable; executions will fail closed", zap.Error(err))
							return nil
						}
						log.Info("container engine reachable", zap.String("binary", cfg.Engine.Binary))
						if cfg.Engine.BuildIfAbsent {
							if err := provisioner.Ensure(ctx, cfg.Engine.Image); err != nil {
								log.Warn("sandbox image provisioning failed at startup", zap.Error(err))
							}
						}
						return nil
					},
				})
			},

			// Background cleanup of containers that escaped per-call
			// removal.
			func(lc fx.Lifecycle, cfg *config.Config, reaper *sandbox.Reaper) {
				if !cfg.Reaper.Enabled {
					return
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						reaper.Start()
						return nil
					},
					OnStop: func(context.Context) error {
						reaper.Stop()
						return nil
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
