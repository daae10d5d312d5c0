package cli

import (
	"context"
	"io"
	"os"

	"github.com/avvvet/chatcapture/internal/config"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

// Run executes the command line. A .env file in the working directory is
// loaded first for development setups.
func Run(ctx context.Context, argv []string) *Error {
	if err := godotenv.Load(); err == nil {
		logging.Default().Debug("loaded .env file")
	}

	if err := run(ctx, argv, os.Stdout); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}
	return nil
}

func run(ctx context.Context, argv []string, w io.Writer) error {
	cfg := newConfig(config.Load())

	cmd := &cli.Command{
		Name:   "chatcapture",
		Usage:  "Capture chat conversations from a rendered page into a quota-bounded store",
		Writer: w,
		Flags:  globalFlags(cfg),
		Commands: []*cli.Command{
			watchCommand(cfg),
			serveCommand(cfg),
			listCommand(cfg),
			showCommand(cfg),
			reconcileCommand(cfg),
			draftCommand(cfg),
			deleteCommand(cfg),
			platformsCommand(cfg),
		},
	}

	return cmd.Run(ctx, argv)
}
