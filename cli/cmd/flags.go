// Package cmd provides CLI commands for the kiln binary.
package cmd

import (
	"fmt"
	"os"

	lodelibrary "github.com/justapithecus/lode/lode"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/journal"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for select read-only commands (inspect, stats).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats only)",
	}
)

// DefaultDataset is the journal dataset read-only commands query by default.
const DefaultDataset = "kiln"

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// TUIReadOnlyFlags returns flags for commands that support TUI mode.
// This is an alias for ReadOnlyFlags, kept for documentation clarity.
func TUIReadOnlyFlags() []cli.Flag {
	return ReadOnlyFlags()
}

// journalReadFlags returns the flags shared by commands that read journal
// datasets (inspect, stats).
func journalReadFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "journal-dataset", Usage: "Journal dataset ID", Value: DefaultDataset},
		&cli.StringFlag{Name: "journal-backend", Usage: "Journal backend: fs or s3", Value: "fs"},
		&cli.StringFlag{Name: "journal-path", Usage: "Journal path (fs: directory, s3: bucket/prefix)", Required: true},
		&cli.StringFlag{Name: "journal-region", Usage: "AWS region for S3 backend"},
		&cli.StringFlag{Name: "journal-endpoint", Usage: "Custom S3 endpoint URL (R2, MinIO)"},
		&cli.BoolFlag{Name: "s3-path-style", Usage: "Force path-style S3 addressing"},
		&cli.StringFlag{Name: "pool-id", Usage: "Filter records by pool ID"},
		&cli.StringFlag{Name: "day", Usage: "Filter records by day (YYYY-MM-DD)"},
	}
}

// buildReadDataset creates a journal dataset for reading based on CLI flags.
func buildReadDataset(c *cli.Context) (lodelibrary.Dataset, error) {
	dataset := c.String("journal-dataset")
	path := c.String("journal-path")

	switch backend := c.String("journal-backend"); backend {
	case "fs":
		return journal.NewReadDatasetFS(dataset, path)
	case "s3":
		bucket, prefix := journal.ParseS3Path(path)
		return journal.NewReadDatasetS3(dataset, journal.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       c.String("journal-region"),
			Endpoint:     c.String("journal-endpoint"),
			UsePathStyle: c.Bool("s3-path-style"),
		})
	default:
		return nil, fmt.Errorf("unsupported journal-backend: %s (must be fs or s3)", backend)
	}
}

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
