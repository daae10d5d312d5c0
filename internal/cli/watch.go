package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avvvet/chatcapture/internal/batch"
	"github.com/avvvet/chatcapture/internal/capture"
	"github.com/avvvet/chatcapture/internal/dedup"
	"github.com/avvvet/chatcapture/internal/handlers"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/sched"
	"github.com/avvvet/chatcapture/internal/surface"
	"github.com/avvvet/chatcapture/internal/transport"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	relayLocal = "local"
	relayNATS  = "nats"

	stopTimeout = 5 * time.Second
)

// relayCloser is a capture relay that must be closed on shutdown
type relayCloser interface {
	capture.Relay
	Close() error
}

func watchCommand(cfg *cliConfig) *cli.Command {
	var (
		file     string
		url      string
		platform string
		relay    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "HTML snapshot file kept up to date by a renderer",
			Sources:     cli.EnvVars("CHATCAPTURE_FILE"),
			Destination: &file,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "url",
			Usage:       "Page address when the snapshot has no canonical link",
			Sources:     cli.EnvVars("CHATCAPTURE_URL"),
			Destination: &url,
		},
		&cli.StringFlag{
			Name:        "platform",
			Aliases:     []string{"p"},
			Usage:       "Platform profile name; detected from the page address when empty",
			Sources:     cli.EnvVars("CHATCAPTURE_PLATFORM"),
			Destination: &platform,
		},
		&cli.StringFlag{
			Name:        "relay",
			Usage:       "Where batches go: local (store in process) or nats",
			Value:       relayLocal,
			Sources:     cli.EnvVars("CHATCAPTURE_RELAY"),
			Destination: &relay,
		},
	}

	return &cli.Command{
		Name:  "watch",
		Usage: "Capture messages from a continuously re-rendered page snapshot",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			return runWatch(ctx, cfg, file, url, platform, relay)
		},
	}
}

func runWatch(ctx context.Context, cfg *cliConfig, file, url, platform, relayKind string) error {
	logger := logging.From(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := sched.NewLoop(0)
	page, err := surface.NewFile(file, url, loop)
	if err != nil {
		return err
	}

	registry, err := cfg.newRegistry()
	if err != nil {
		return err
	}
	ext, err := registry.New(platform, page)
	if err != nil {
		return goerr.Wrap(err, "failed to select platform", goerr.V("url", page.URL()))
	}

	g, gctx := errgroup.WithContext(ctx)
	// loop and relay outlive the signal so the final flush can be delivered
	detached := context.WithoutCancel(gctx)

	var relay relayCloser
	switch relayKind {
	case relayLocal:
		manager, err := cfg.newManager(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := manager.Close(); err != nil {
				logger.Warn("failed to close store", "error", err)
			}
		}()

		local := transport.NewLocal(handlers.NewEnvelopeHandler(manager), cfg.RelayBuffer)
		g.Go(func() error { return local.Run(detached) })
		relay = local

	case relayNATS:
		publisher, err := transport.NewNATSPublisher(ctx, cfg.Config)
		if err != nil {
			return err
		}
		relay = publisher

	default:
		return goerr.New("unknown relay", goerr.V("relay", relayKind))
	}

	capturer := capture.New(loop, page, ext, relay,
		capture.WithDebounce(cfg.Debounce),
		capture.WithBackstop(cfg.Backstop),
		capture.WithMinContentLength(cfg.MinContentLength),
		capture.WithDedupOptions(
			dedup.WithWindow(cfg.DedupWindow),
			dedup.WithMaxEntries(cfg.DedupMaxEntries),
		),
		capture.WithBatchOptions(
			batch.WithMaxMessages(cfg.BatchSize),
			batch.WithInterval(cfg.BatchInterval),
		),
	)

	g.Go(func() error { return loop.Run(detached) })
	g.Go(func() error { return page.Watch(gctx) })

	if err := loop.Sync(gctx, func() { capturer.Start(ctx) }); err != nil {
		stop()
		loop.Close()
		closeRelay(ctx, relay)
		if werr := g.Wait(); werr != nil {
			logger.Warn("background task failed during startup", "error", werr)
		}
		return goerr.Wrap(err, "failed to start capture")
	}
	logger.Info("capture running",
		"platform", ext.Platform(),
		"file", file,
		"relay", relayKind,
	)

	<-gctx.Done()

	stopCtx, cancel := context.WithTimeout(detached, stopTimeout)
	defer cancel()
	if err := loop.Sync(stopCtx, capturer.Stop); err != nil {
		logger.Warn("capture did not stop cleanly", "error", err)
	}
	loop.Close()

	closeRelay(ctx, relay)
	if err := g.Wait(); err != nil {
		return err
	}

	// the loop goroutine has returned, so capturer state is safe to read
	stats := capturer.Stats()
	logger.Info("capture finished",
		"scans", stats.Scans,
		"accepted", stats.Accepted,
		"duplicates", stats.Duplicates,
		"batches", stats.Batches,
		"relay_errors", stats.RelayErrors,
	)
	return nil
}

func closeRelay(ctx context.Context, relay relayCloser) {
	if err := relay.Close(); err != nil {
		logging.From(ctx).Warn("failed to close relay", "error", err)
	}
}
