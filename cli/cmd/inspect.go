package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/cli/reader"
	"github.com/justapithecus/kiln/cli/render"
)

// inspectWarningThreshold is the number of rows above which we warn about
// using --limit.
const inspectWarningThreshold = 100

// readTimeout bounds journal reads from the CLI.
const readTimeout = 30 * time.Second

// InspectCommand returns the inspect command with subcommands.
// Inspect reads journaled records; it never contacts a running pool.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect journaled records (requests, lifecycle)",
		Subcommands: []*cli.Command{
			inspectRequestsCommand(),
			inspectLifecycleCommand(),
		},
	}
}

func inspectRequestsCommand() *cli.Command {
	return &cli.Command{
		Name:  "requests",
		Usage: "Show journaled request records",
		Flags: append(TUIReadOnlyFlags(), append(journalReadFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of rows to return (0 = no limit)",
				Value: 0,
			},
		)...),
		Action: inspectRequestsAction,
	}
}

func inspectRequestsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ds, err := buildReadDataset(c)
	if err != nil {
		return fmt.Errorf("failed to initialize journal reader: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	rows, err := reader.New(ds).Requests(ctx, reader.Filter{
		PoolID: c.String("pool-id"),
		Day:    c.String("day"),
	})
	if err != nil {
		if reader.IsNoRecords(err) {
			return cli.Exit("no request records found", 1)
		}
		return fmt.Errorf("failed to read request records: %w", err)
	}

	limit := c.Int("limit")
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(rows) > inspectWarningThreshold && limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(rows))
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_requests", rows)
	}

	return r.Render(rows)
}

func inspectLifecycleCommand() *cli.Command {
	return &cli.Command{
		Name:   "lifecycle",
		Usage:  "Show journaled pool lifecycle events",
		Flags:  append(TUIReadOnlyFlags(), journalReadFlags()...),
		Action: inspectLifecycleAction,
	}
}

func inspectLifecycleAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ds, err := buildReadDataset(c)
	if err != nil {
		return fmt.Errorf("failed to initialize journal reader: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	rows, err := reader.New(ds).Lifecycle(ctx, reader.Filter{
		PoolID: c.String("pool-id"),
		Day:    c.String("day"),
	})
	if err != nil {
		if reader.IsNoRecords(err) {
			return cli.Exit("no lifecycle records found", 1)
		}
		return fmt.Errorf("failed to read lifecycle records: %w", err)
	}

	if c.Bool("tui") {
		return r.RenderTUI("inspect_lifecycle", rows)
	}

	return r.Render(rows)
}
