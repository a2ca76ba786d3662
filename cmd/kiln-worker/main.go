// Package main provides the kiln-worker reference binary.
//
// A pool spawns one kiln-worker per slot with two positional arguments:
// the IPC name (shm segment name or zmq endpoint prefix) and the worker
// id. The transport is selected by KILN_TRANSPORT; KILN_POOL_ID,
// KILN_LOG_LEVEL, KILN_APP_ROOT, and KILN_IPC_DIR are honored.
//
// The built-in registry only carries diagnostic handlers (kiln.ping,
// kiln.echo, stream.echo). Real applications copy this wiring and
// register their own modules.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/kiln/handler"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/transport"
	"github.com/justapithecus/kiln/transport/shm"
	"github.com/justapithecus/kiln/transport/zmq"
	"github.com/justapithecus/kiln/worker"
)

func main() {
	app := &cli.App{
		Name:      "kiln-worker",
		Usage:     "Kiln reference worker - attaches to a pool transport and dispatches requests",
		ArgsUsage: "<ipc-name> <worker-id>",
		Action:    workerAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func workerAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: kiln-worker <ipc-name> <worker-id>")
	}
	ipcName := c.Args().Get(0)
	id64, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid worker id %q: %w", c.Args().Get(1), err)
	}
	workerID := uint32(id64)

	poolID := os.Getenv("KILN_POOL_ID")
	logger := log.NewWorkerLogger(poolID, workerID, log.LevelFromEnv())

	if root := os.Getenv("KILN_APP_ROOT"); root != "" {
		if err := os.Chdir(root); err != nil {
			return fmt.Errorf("chdir to app root %q: %w", root, err)
		}
	}

	tr, err := attachTransport(ipcName, workerID)
	if err != nil {
		return fmt.Errorf("attach transport: %w", err)
	}

	w := worker.New(worker.Config{
		ID:        workerID,
		Transport: tr,
		Registry:  builtinRegistry(),
		Logger:    logger,
	})

	// SIGTERM/SIGINT cancel the dispatch loop; the pool's shutdown
	// sentinel is the normal exit path.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return w.Run(ctx)
}

// attachTransport opens the worker side of the transport named by
// KILN_TRANSPORT (shm when unset).
func attachTransport(ipcName string, workerID uint32) (transport.Worker, error) {
	switch name := os.Getenv("KILN_TRANSPORT"); name {
	case "shm", "":
		return shm.Attach(ipcName, os.Getenv("KILN_IPC_DIR"))
	case "zmq":
		return zmq.NewWorker(ipcName, int(workerID))
	default:
		return nil, fmt.Errorf("unknown transport %q (must be shm or zmq)", name)
	}
}

// builtinRegistry wires the diagnostic handlers every kiln-worker carries.
func builtinRegistry() *handler.Registry {
	r := handler.NewRegistry()

	r.RegisterFunc("kiln", "ping", func(context.Context, handler.Kwargs) (any, error) {
		return "pong", nil
	})

	r.RegisterFunc("kiln", "echo", func(_ context.Context, kw handler.Kwargs) (any, error) {
		return map[string]any(kw), nil
	})

	r.Register("stream", map[string]handler.StreamFunc{
		"echo": func(ctx context.Context, s handler.Stream) error {
			for {
				payload, isBinary, err := s.Receive(ctx)
				if err != nil {
					return nil
				}
				if err := s.Send(ctx, payload, isBinary); err != nil {
					return err
				}
			}
		},
	})

	return r
}
