// Package cluster runs the gateway as a supervisor process that forks one
// worker per core. Workers share the listen port via SO_REUSEPORT, so the
// kernel spreads accepted connections across them. Crashed workers are
// respawned; a deliberate shutdown is not.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// workerEnv marks a process as a forked worker so it runs the gateway
// itself instead of supervising.
const workerEnv = "VOXGATE_CLUSTER_WORKER"

const (
	respawnDelay = time.Second
	statInterval = 30 * time.Second
)

// IsWorker reports whether this process was forked by a supervisor.
func IsWorker() bool {
	return os.Getenv(workerEnv) != ""
}

type Supervisor struct {
	log     *slog.Logger
	workers int

	mu      sync.Mutex
	procs   map[int]*exec.Cmd
	stopped bool
}

func NewSupervisor(log *slog.Logger, workers int) *Supervisor {
	if workers < 1 {
		workers = 1
	}
	return &Supervisor{
		log:     log.With("component", "cluster"),
		workers: workers,
		procs:   make(map[int]*exec.Cmd),
	}
}

// Run forks the configured number of workers and blocks until ctx is
// cancelled, then terminates them all. Workers that die on their own are
// respawned after a short delay.
func (s *Supervisor) Run(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	s.log.Info("starting workers", "count", s.workers, "pid", os.Getpid())
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.superviseSlot(ctx, exe, slot)
		}(i)
	}

	go s.reportUsage(ctx)

	<-ctx.Done()
	s.terminate()
	wg.Wait()
	s.log.Info("all workers stopped")
	return nil
}

// superviseSlot keeps one worker slot populated until ctx is cancelled.
func (s *Supervisor) superviseSlot(ctx context.Context, exe string, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		cmd, err := s.spawn(exe, slot)
		if err != nil {
			s.log.Error("spawn worker failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(respawnDelay):
				continue
			}
		}

		err = cmd.Wait()
		s.forget(cmd.Process.Pid)

		if ctx.Err() != nil {
			return
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			s.log.Warn("worker exited cleanly, respawning", "slot", slot)
		case errors.As(err, &exitErr):
			s.log.Warn("worker died, respawning",
				"slot", slot,
				"pid", cmd.Process.Pid,
				"exit_code", exitErr.ExitCode(),
				"state", exitErr.ProcessState.String())
		default:
			s.log.Error("worker wait failed", "slot", slot, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(respawnDelay):
		}
	}
}

func (s *Supervisor) spawn(exe string, slot int) (*exec.Cmd, error) {
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", workerEnv, slot))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		return nil, errors.New("supervisor stopping")
	}
	s.procs[cmd.Process.Pid] = cmd
	s.mu.Unlock()

	s.log.Info("worker started", "slot", slot, "pid", cmd.Process.Pid)
	return cmd, nil
}

func (s *Supervisor) forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}

func (s *Supervisor) terminate() {
	s.mu.Lock()
	s.stopped = true
	procs := make([]*exec.Cmd, 0, len(s.procs))
	for _, cmd := range s.procs {
		procs = append(procs, cmd)
	}
	s.mu.Unlock()

	for _, cmd := range procs {
		_ = cmd.Process.Signal(os.Interrupt)
	}
}

// reportUsage periodically logs memory and CPU use of the supervisor and its
// workers, mirroring what an operator would otherwise pull from ps.
func (s *Supervisor) reportUsage(ctx context.Context) {
	ticker := time.NewTicker(statInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		self, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			continue
		}
		if mem, err := self.MemoryInfo(); err == nil {
			s.log.Info("supervisor memory", "rss_mb", mem.RSS/1024/1024)
		}
		if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
			s.log.Info("host cpu", "percent", fmt.Sprintf("%.1f", pct[0]))
		}

		s.mu.Lock()
		pids := make([]int, 0, len(s.procs))
		for pid := range s.procs {
			pids = append(pids, pid)
		}
		s.mu.Unlock()
		for _, pid := range pids {
			p, err := process.NewProcess(int32(pid))
			if err != nil {
				continue
			}
			if mem, err := p.MemoryInfo(); err == nil {
				s.log.Info("worker memory", "pid", pid, "rss_mb", mem.RSS/1024/1024)
			}
		}
	}
}
