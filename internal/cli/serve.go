package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/avvvet/chatcapture/internal/handlers"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/memory"
	"github.com/avvvet/chatcapture/internal/sched"
	"github.com/avvvet/chatcapture/internal/transport"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func serveCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Consume relayed batches from NATS and persist them",
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *cliConfig) error {
	logger := logging.From(ctx)
	logger.Info("starting store service",
		"service", cfg.ServiceName,
		"nats_url", cfg.NatsURL,
		"subject", cfg.NatsSubject,
		"backend", cfg.StoreBackend,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := cfg.newManager(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	consumer, err := transport.NewNATSConsumer(ctx, cfg.Config, handlers.NewEnvelopeHandler(manager))
	if err != nil {
		return err
	}
	defer consumer.Close()

	if err := consumer.Start(); err != nil {
		return err
	}

	// periodic eviction independent of writes
	loop := sched.NewLoop(0)
	reconcileCtx := logging.Component(ctx, "reconcile")
	loop.Every(cfg.ReconcileInterval, func() {
		reconcileOnce(reconcileCtx, manager)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })

	logger.Info("store service is running", "reconcile_interval", cfg.ReconcileInterval)
	err = g.Wait()

	logger.Info("shutting down gracefully")
	return err
}

func reconcileOnce(ctx context.Context, manager *memory.Manager) {
	rep, err := manager.Reconcile(ctx)
	if err != nil {
		logging.From(ctx).Error("reconcile failed", "error", err)
		return
	}
	if rep.Stage != memory.StageNone {
		logging.From(ctx).Info("reconciled store",
			"stage", rep.Stage,
			"before", rep.Before,
			"after", rep.After,
		)
	}
}
