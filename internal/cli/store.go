package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/chatcapture/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// withManager runs fn with a configured store manager and closes it after
func withManager(ctx context.Context, cfg *cliConfig, fn func(context.Context, *memory.Manager) error) error {
	ctx, err := cfg.setup(ctx)
	if err != nil {
		return err
	}

	manager, err := cfg.newManager(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	return fn(ctx, manager)
}

func listCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored conversations, most recently updated first",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, cfg, func(ctx context.Context, m *memory.Manager) error {
				convs, err := m.Conversations(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to list conversations")
				}

				w := c.Root().Writer
				if len(convs) == 0 {
					fmt.Fprintln(w, "No conversations stored.")
					return nil
				}
				for _, conv := range convs {
					fmt.Fprintf(w, "%s:%s\t%d messages\t%s\t%s\n",
						conv.Platform,
						conv.ID,
						len(conv.Messages),
						time.UnixMilli(conv.LastUpdated).Format(time.RFC3339),
						conv.URL,
					)
				}
				return nil
			})
		},
	}
}

func showCommand(cfg *cliConfig) *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "show",
		Usage:     "Show one stored conversation",
		ArgsUsage: "<platform> <conversation-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "Print the stored record as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return goerr.New("platform and conversation id are required")
			}
			platform, id := c.Args().Get(0), c.Args().Get(1)

			return withManager(ctx, cfg, func(ctx context.Context, m *memory.Manager) error {
				w := c.Root().Writer
				if asJSON {
					conv, err := m.Conversation(ctx, platform, id)
					if err != nil {
						return err
					}
					data, err := json.MarshalIndent(conv, "", "  ")
					if err != nil {
						return goerr.Wrap(err, "failed to marshal conversation")
					}
					fmt.Fprintln(w, string(data))
					return nil
				}

				history, err := m.FormattedHistory(ctx, platform, id)
				if err != nil {
					return err
				}
				fmt.Fprint(w, history)
				return nil
			})
		},
	}
}

func reconcileCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Run staged eviction on the stored state now",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withManager(ctx, cfg, func(ctx context.Context, m *memory.Manager) error {
				rep, err := m.Reconcile(ctx)
				if err != nil {
					return goerr.Wrap(err, "failed to reconcile")
				}

				w := c.Root().Writer
				if rep.Stage == memory.StageNone {
					fmt.Fprintf(w, "State fits quota (%d bytes).\n", rep.Before)
					return nil
				}
				fmt.Fprintf(w, "Stage %d: %d -> %d bytes, %d expired, %d dropped\n",
					rep.Stage, rep.Before, rep.After, rep.Expired, rep.Dropped)
				return nil
			})
		},
	}
}

func draftCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:      "draft",
		Usage:     "Store an in-progress prompt draft",
		ArgsUsage: "<text>",
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			return withManager(ctx, cfg, func(ctx context.Context, m *memory.Manager) error {
				return m.SetDraft(ctx, text)
			})
		},
	}
}

func deleteCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete one stored conversation",
		ArgsUsage: "<platform> <conversation-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return goerr.New("platform and conversation id are required")
			}
			platform, id := c.Args().Get(0), c.Args().Get(1)

			return withManager(ctx, cfg, func(ctx context.Context, m *memory.Manager) error {
				if err := m.DeleteConversation(ctx, platform, id); err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "Deleted %s:%s\n", platform, id)
				return nil
			})
		},
	}
}

func platformsCommand(cfg *cliConfig) *cli.Command {
	return &cli.Command{
		Name:  "platforms",
		Usage: "List platform profiles",
		Action: func(ctx context.Context, c *cli.Command) error {
			registry, err := cfg.newRegistry()
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, name := range registry.Names() {
				p, err := registry.Lookup(name)
				if err != nil {
					return err
				}
				hosts := strings.Join(p.Hosts, ",")
				if hosts == "" {
					hosts = "-"
				}
				fmt.Fprintf(w, "%s\t%s\tcontainer=%s\n", p.Name, hosts, p.Selectors.Container)
			}
			return nil
		},
	}
}
