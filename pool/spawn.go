package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/justapithecus/kiln/adapter"
)

// workerProc tracks one worker slot: the live process plus its respawn
// history. A slot survives respawns; only the cmd changes.
type workerProc struct {
	id       uint32
	respawns int

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{} // closed when the supervisor gives up on the slot
}

// spawnWorker starts the process for one worker slot and its supervisor.
func (p *Pool) spawnWorker(id uint32) error {
	proc := &workerProc{id: id, done: make(chan struct{})}
	if err := p.startProcess(proc); err != nil {
		return err
	}

	p.procsMu.Lock()
	p.procs = append(p.procs, proc)
	p.procsMu.Unlock()

	go p.supervise(proc)
	return nil
}

// startProcess launches the worker command: argv is the configured prefix
// plus the IPC name and the worker id. Stderr passes through so worker
// logs land on the pool's stderr.
func (p *Pool) startProcess(proc *workerProc) error {
	argv := append(append([]string{}, p.cfg.WorkerCommand...),
		p.ipcName(), strconv.FormatUint(uint64(proc.id), 10))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"KILN_POOL_ID="+p.id,
		"KILN_TRANSPORT="+p.transportName(),
	)
	if p.cfg.LogLevel != "" {
		cmd.Env = append(cmd.Env, "KILN_LOG_LEVEL="+p.cfg.LogLevel)
	}
	if p.cfg.AppRoot != "" {
		cmd.Env = append(cmd.Env, "KILN_APP_ROOT="+p.cfg.AppRoot)
	}
	if p.cfg.IPCDir != "" {
		cmd.Env = append(cmd.Env, "KILN_IPC_DIR="+p.cfg.IPCDir)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pool: start worker %d: %w", proc.id, err)
	}

	proc.mu.Lock()
	proc.cmd = cmd
	proc.mu.Unlock()

	p.metrics.IncWorkerSpawn()
	p.logger.Info("worker started", map[string]any{
		"worker_id": proc.id,
		"pid":       cmd.Process.Pid,
	})
	return nil
}

func (p *Pool) transportName() string {
	if p.cfg.Transport == "" {
		return TransportShm
	}
	return p.cfg.Transport
}

// supervise waits on the worker process and replaces it after a crash,
// with exponential backoff, until the respawn budget is spent or the
// pool is shutting down. A clean exit during shutdown ends the slot.
func (p *Pool) supervise(proc *workerProc) {
	defer close(proc.done)

	for {
		proc.mu.Lock()
		cmd := proc.cmd
		proc.mu.Unlock()

		err := cmd.Wait()
		if p.shuttingDown.Load() {
			return
		}

		code := exitCode(err)
		p.metrics.IncWorkerCrash()
		p.logger.Warn("worker exited unexpectedly", map[string]any{
			"worker_id": proc.id,
			"exit_code": code,
			"respawns":  proc.respawns,
		})
		wid := proc.id
		p.publishEvent(context.Background(), &adapter.PoolEvent{
			EventType: adapter.EventWorkerCrashed,
			WorkerID:  &wid,
			ExitCode:  &code,
		})
		p.recordLifecycle(adapter.EventWorkerCrashed, &wid, fmt.Sprintf("exit code %d", code))

		if !p.cfg.Respawn.Enabled || proc.respawns >= p.cfg.Respawn.MaxRespawns {
			p.logger.Error("worker slot abandoned", map[string]any{
				"worker_id": proc.id,
				"respawns":  proc.respawns,
			})
			return
		}

		delay := p.cfg.Respawn.BaseDelay << proc.respawns
		if delay > p.cfg.Respawn.MaxDelay {
			delay = p.cfg.Respawn.MaxDelay
		}
		time.Sleep(delay)
		if p.shuttingDown.Load() {
			return
		}

		proc.respawns++
		if err := p.startProcess(proc); err != nil {
			p.logger.Error("worker respawn failed", map[string]any{
				"worker_id": proc.id,
				"error":     err.Error(),
			})
			return
		}
		p.metrics.IncWorkerRespawn()
		p.publishEvent(context.Background(), &adapter.PoolEvent{
			EventType: adapter.EventWorkerRespawned,
			WorkerID:  &wid,
		})
		p.recordLifecycle(adapter.EventWorkerRespawned, &wid, "")
	}
}

// exitCode extracts the process exit status, -1 when unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// awaitProcs waits for every worker slot's supervisor to finish, killing
// processes that outlive the deadline.
func (p *Pool) awaitProcs(deadline time.Time) {
	p.procsMu.Lock()
	procs := append([]*workerProc{}, p.procs...)
	p.procsMu.Unlock()

	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-time.After(time.Until(deadline)):
			proc.mu.Lock()
			cmd := proc.cmd
			proc.mu.Unlock()
			if cmd != nil && cmd.Process != nil {
				p.logger.Warn("killing unresponsive worker", map[string]any{
					"worker_id": proc.id,
					"pid":       cmd.Process.Pid,
				})
				_ = cmd.Process.Kill()
			}
			<-proc.done
		}
	}
}

// teardownAfterSpawnFailure unwinds a partially constructed pool.
func (p *Pool) teardownAfterSpawnFailure() {
	p.shuttingDown.Store(true)
	p.procsMu.Lock()
	procs := append([]*workerProc{}, p.procs...)
	p.procsMu.Unlock()
	for _, proc := range procs {
		proc.mu.Lock()
		cmd := proc.cmd
		proc.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-proc.done
	}
	p.pollCancel()
	_ = p.server.Close()
	<-p.pollDone
}

