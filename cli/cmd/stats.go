package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/cli/reader"
	"github.com/justapithecus/kiln/cli/render"
)

// StatsCommand returns the stats command with subcommands.
// Stats returns aggregated, derived facts from journaled records.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregated statistics from journaled records",
		Subcommands: []*cli.Command{
			statsRequestsCommand(),
		},
	}
}

func statsRequestsCommand() *cli.Command {
	return &cli.Command{
		Name:   "requests",
		Usage:  "Show request statistics (totals, success rate, per-module counts)",
		Flags:  append(TUIReadOnlyFlags(), journalReadFlags()...),
		Action: statsRequestsAction,
	}
}

func statsRequestsAction(c *cli.Context) error {
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

	summary, err := reader.New(ds).Summary(ctx, c.String("pool-id"))
	if err != nil {
		if reader.IsNoRecords(err) {
			return cli.Exit("no request records found", 1)
		}
		return fmt.Errorf("failed to summarize request records: %w", err)
	}

	if c.Bool("tui") {
		return r.RenderTUI("stats_requests", summary)
	}

	return r.Render(summary)
}
