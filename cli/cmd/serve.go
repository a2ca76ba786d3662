package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/adapter"
	"github.com/justapithecus/kiln/adapter/redis"
	"github.com/justapithecus/kiln/adapter/webhook"
	"github.com/justapithecus/kiln/cli/config"
	"github.com/justapithecus/kiln/journal"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/metrics"
	"github.com/justapithecus/kiln/pool"
)

// Exit codes for kiln serve.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitPoolFailure = 2
)

// defaultConfigPath is loaded when --config is not given and the file exists.
const defaultConfigPath = "kiln.yaml"

// ServeCommand returns the serve command.
// This is the only command that spawns workers and executes requests.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a worker pool until interrupted (the only execution entrypoint)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to kiln.yaml config file",
			},
			&cli.IntFlag{
				Name:  "pool-size",
				Usage: "Number of worker processes",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "IPC transport: shm or zmq",
			},
			&cli.StringSliceFlag{
				Name:  "worker-command",
				Usage: "Worker process argv prefix (repeatable)",
			},
			&cli.StringFlag{
				Name:  "app-root",
				Usage: "Application root exported to workers",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "ipc-dir",
				Usage: "Directory for shm segments or zmq sockets",
			},
		},
		Action: serveAction,
	}
}

// serveChoice holds the merged serve configuration (config file defaults
// overridden by flags).
type serveChoice struct {
	poolID   string
	logLevel string
	pool     config.PoolConfig
	journal  config.JournalConfig
	adapter  config.AdapterConfig
}

func serveAction(c *cli.Context) error {
	choice, err := mergeServeConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	logger := log.NewPoolLogger(choice.poolID, log.ParseLevel(choice.logLevel))

	jnl, err := buildJournal(choice, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create journal: %v", err), exitConfigError)
	}

	adapters, err := buildAdapters(choice.adapter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), exitConfigError)
	}

	p, err := pool.New(pool.Config{
		PoolID:        choice.poolID,
		PoolSize:      choice.pool.Size,
		Transport:     choice.pool.Transport,
		WorkerCommand: choice.pool.WorkerCommand,
		AppRoot:       choice.pool.AppRoot,
		LogLevel:      choice.logLevel,
		IPCDir:        choice.pool.IPCDir,
		RequestSlots:  choice.pool.RequestSlots,
		ResponseSlots: choice.pool.ResponseSlots,
		Respawn: pool.RespawnConfig{
			Enabled:     choice.pool.Respawn.Enabled,
			MaxRespawns: choice.pool.Respawn.MaxRespawns,
			BaseDelay:   choice.pool.Respawn.BaseDelay.Duration,
			MaxDelay:    choice.pool.Respawn.MaxDelay.Duration,
		},
		Logger:   logger,
		Metrics:  metrics.NewCollector(choice.pool.Transport, choice.pool.Size, choice.poolID),
		Journal:  jnl,
		Adapters: adapters,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to start pool: %v", err), exitPoolFailure)
	}

	// Block until interrupted, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("signal received, shutting down", map[string]any{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), pool.DefaultShutdownTimeout+5*time.Second)
	defer cancel()

	if err := p.Shutdown(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("shutdown failed: %v", err), exitPoolFailure)
	}

	return cli.Exit("", exitSuccess)
}

// mergeServeConfig loads the config file (if any) and applies flag overrides.
func mergeServeConfig(c *cli.Context) (*serveChoice, error) {
	cfg := &config.Config{}

	path := c.String("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if _, err := os.Stat(defaultConfigPath); err == nil {
		loaded, err := config.Load(defaultConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	choice := &serveChoice{
		poolID:   "kiln-" + uuid.NewString()[:8],
		logLevel: cfg.LogLevel,
		pool:     cfg.Pool,
		journal:  cfg.Journal,
		adapter:  cfg.Adapter,
	}

	if v := c.Int("pool-size"); v > 0 {
		choice.pool.Size = v
	}
	if v := c.String("transport"); v != "" {
		choice.pool.Transport = v
	}
	if v := c.StringSlice("worker-command"); len(v) > 0 {
		choice.pool.WorkerCommand = v
	}
	if v := c.String("app-root"); v != "" {
		choice.pool.AppRoot = v
	}
	if v := c.String("log-level"); v != "" {
		choice.logLevel = v
	}
	if v := c.String("ipc-dir"); v != "" {
		choice.pool.IPCDir = v
	}

	if choice.pool.Size <= 0 {
		choice.pool.Size = 1
	}
	if len(choice.pool.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker command is required (--worker-command or pool.worker_command)")
	}

	return choice, nil
}

// buildJournal creates the journal from config, or returns nil when no
// backend is configured.
func buildJournal(choice *serveChoice, logger *log.Logger) (*journal.Journal, error) {
	jc := choice.journal
	if jc.Backend == "" {
		return nil, nil
	}

	dataset := jc.Dataset
	if dataset == "" {
		dataset = DefaultDataset
	}

	cfg := journal.Config{
		Dataset:       dataset,
		App:           jc.App,
		PoolID:        choice.poolID,
		FlushCount:    jc.FlushCount,
		FlushInterval: jc.FlushInterval.Duration,
		Logger:        logger,
	}

	switch jc.Backend {
	case "fs":
		if jc.Path == "" {
			return nil, fmt.Errorf("journal.path is required for fs backend")
		}
		return journal.NewFS(cfg, jc.Path)
	case "s3":
		bucket, prefix := journal.ParseS3Path(jc.Path)
		return journal.NewS3(cfg, journal.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       jc.Region,
			Endpoint:     jc.Endpoint,
			UsePathStyle: jc.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown journal backend: %s (must be fs or s3)", jc.Backend)
	}
}

// buildAdapters creates lifecycle event adapters from config.
func buildAdapters(ac config.AdapterConfig) ([]adapter.Adapter, error) {
	if ac.Type == "" {
		return nil, nil
	}

	retries := func(def int) int {
		if ac.Retries != nil {
			return *ac.Retries
		}
		return def
	}

	switch ac.Type {
	case "redis":
		a, err := redis.New(redis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
			Retries: retries(redis.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retries(webhook.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return []adapter.Adapter{a}, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be redis or webhook)", ac.Type)
	}
}
