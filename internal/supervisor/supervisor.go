// Package supervisor owns the lifecycle of the Convex backend process:
// on-demand start, health checking, idle sleep and crash recovery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"convex-gateway/internal/config"
	"convex-gateway/internal/metrics"
)

// ErrBackendUnavailable is returned while the restart backoff window is active
// after the backend exited unexpectedly.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrWakeTimeout is returned when a freshly spawned backend does not answer
// its health check before the startup timeout.
var ErrWakeTimeout = errors.New("backend did not become healthy before the startup timeout")

// healthPollInterval is how often the health endpoint is polled during wake.
const healthPollInterval = 250 * time.Millisecond

// stopGrace is how long a SIGTERM'd backend gets before SIGKILL.
const stopGrace = 10 * time.Second

// Supervisor manages a single backend process. All state transitions are
// serialized by mu; concurrent wakes block on the same start (single-flight).
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics // optional; nil disables recording

	healthURL string
	health    *http.Client

	mu         sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{} // closed by the waiter when the current process exits
	running    bool
	stopping   bool      // deliberate stop in progress; keeps the reaper out
	stopCmd    *exec.Cmd // process being deliberately stopped; suppresses crash backoff
	starts     int
	lastActive time.Time
	lastCrash  time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a Supervisor. The metrics parameter is optional; pass nil to
// disable backend state metrics.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		logger:    logger.With("component", "supervisor"),
		metrics:   m,
		healthURL: cfg.Backend.BaseURL() + "/version",
		health:    &http.Client{Timeout: 2 * time.Second},
	}
}

// Ensure makes sure the backend is ready to serve requests, starting it if
// necessary and blocking until it answers its health check. In unmanaged mode
// it is a no-op: the operator owns the process.
func (s *Supervisor) Ensure(ctx context.Context) error {
	if !s.cfg.SupervisorManaged() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	backoff := time.Duration(s.cfg.Supervisor.RestartBackoffSeconds) * time.Second
	if !s.lastCrash.IsZero() {
		if since := time.Since(s.lastCrash); since < backoff {
			return fmt.Errorf("%w: backend exited %s ago, retrying after %s", ErrBackendUnavailable, since.Round(time.Millisecond), backoff)
		}
	}

	return s.startLocked(ctx)
}

// startLocked spawns the backend and waits for it to become healthy.
// Callers must hold mu.
func (s *Supervisor) startLocked(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Backend.Command, s.cfg.Backend.Args...)
	cmd.Dir = s.cfg.Backend.DataDir
	// Backend output passes through untouched; the backend does its own
	// structured logging.
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so a stop signal reaches backend children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.lastCrash = time.Now()
		return fmt.Errorf("spawn backend %q: %w", s.cfg.Backend.Command, err)
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.running = true
	if s.starts > 0 && s.metrics != nil {
		s.metrics.BackendRestarts.Inc()
	}
	s.starts++

	s.logger.Info("backend started",
		"command", s.cfg.Backend.Command,
		"pid", cmd.Process.Pid,
		"port", s.cfg.Backend.Port,
	)

	go s.waitExit(cmd, exited)

	if err := s.waitHealthy(ctx, exited); err != nil {
		// The process is useless if it never came up; reap it now and arm
		// the backoff so the next request does not immediately respawn it.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		s.cmd = nil
		s.running = false
		s.lastCrash = time.Now()
		return err
	}

	if s.metrics != nil {
		s.metrics.BackendUp.Set(1)
		s.metrics.BackendWakeDuration.Observe(time.Since(start).Seconds())
	}
	s.lastActive = time.Now()
	s.lastCrash = time.Time{}

	s.logger.Info("backend healthy", "wake_duration_ms", time.Since(start).Milliseconds())
	return nil
}

// waitHealthy polls the backend health endpoint until it responds, the startup
// timeout elapses, the process exits, or ctx is canceled.
func (s *Supervisor) waitHealthy(ctx context.Context, exited <-chan struct{}) error {
	deadline := time.NewTimer(time.Duration(s.cfg.Supervisor.StartupTimeoutSeconds) * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(healthPollInterval)
	defer tick.Stop()

	for {
		if s.probe(ctx) {
			return nil
		}
		select {
		case <-tick.C:
		case <-exited:
			return fmt.Errorf("%w: backend exited during startup", ErrBackendUnavailable)
		case <-deadline.C:
			return ErrWakeTimeout
		case <-ctx.Done():
			return fmt.Errorf("wait for backend: %w", ctx.Err())
		}
	}
}

// probe performs a single health check against the backend.
func (s *Supervisor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := s.health.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// waitExit observes process termination and records the resulting state.
func (s *Supervisor) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != cmd {
		return // already superseded by a newer process
	}
	s.cmd = nil
	s.running = false
	if s.metrics != nil {
		s.metrics.BackendUp.Set(0)
	}

	if s.stopCmd == cmd {
		s.stopCmd = nil
		s.logger.Info("backend stopped")
		return
	}

	// Unexpected exit: arm the restart backoff so a crash-looping backend
	// does not get respawned on every request.
	s.lastCrash = time.Now()
	s.logger.Error("backend exited unexpectedly", "err", err)
}

// Touch records proxied traffic so the idle reaper keeps the backend awake.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// State reports the backend lifecycle state for status endpoints:
// "external" (unmanaged), "running" or "stopped".
func (s *Supervisor) State() string {
	if !s.cfg.SupervisorManaged() {
		return "external"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return "running"
	}
	return "stopped"
}

// Healthy performs a one-shot health check against the backend. It works in
// unmanaged mode too, where State alone says nothing about the process.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	return s.probe(ctx)
}

// StartIdleReaper launches the background goroutine that puts the backend to
// sleep after the configured idle period. A zero idle timeout disables it.
func (s *Supervisor) StartIdleReaper() {
	idle := time.Duration(s.cfg.Supervisor.IdleTimeoutSeconds) * time.Second
	if !s.cfg.SupervisorManaged() || idle == 0 {
		return
	}

	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}

	s.reaperStop = make(chan struct{})
	s.reaperDone = make(chan struct{})

	go func() {
		defer close(s.reaperDone)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.reapIfIdle(idle)
			case <-s.reaperStop:
				return
			}
		}
	}()
}

// reapIfIdle stops the backend when no traffic arrived within the idle window.
func (s *Supervisor) reapIfIdle(idle time.Duration) {
	s.mu.Lock()
	shouldStop := s.running && !s.stopping && time.Since(s.lastActive) > idle
	s.mu.Unlock()

	if !shouldStop {
		return
	}
	s.logger.Info("backend idle, putting to sleep", "idle_timeout", idle.String())
	s.stopProcess()
}

// Shutdown stops the idle reaper and the backend process.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.reaperStop != nil {
		close(s.reaperStop)
		select {
		case <-s.reaperDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.reaperStop = nil
	}
	s.stopProcess()
	return nil
}

// stopProcess terminates the running backend: SIGTERM to the process group,
// bounded wait, then SIGKILL. Safe to call when nothing is running.
func (s *Supervisor) stopProcess() {
	s.mu.Lock()
	if !s.running || s.cmd == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.stopCmd = s.cmd
	pid := s.cmd.Process.Pid
	exited := s.exited
	s.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(stopGrace):
		s.logger.Warn("backend did not exit after SIGTERM, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()
}
