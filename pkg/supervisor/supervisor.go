// Package supervisor runs a single shell command as a child process and
// restarts it on demand. The child runs in its own process group so that
// stopping it also stops anything it spawned.
package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long a child has to exit after SIGTERM before SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// State is the lifecycle state of the supervised child.
type State int32

// Supervisor states.
const (
	Idle State = iota
	Running
	Restarting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Restarting:
		return "Restarting"
	default:
		return "Unknown"
	}
}

// ErrNotRunning is returned by Restart before Start or after Stop.
var ErrNotRunning = errors.New("process not running")

// Config configures a Supervisor.
type Config struct {
	Logger      *slog.Logger
	Stdout      io.Writer
	Stderr      io.Writer
	Command     string
	GracePeriod time.Duration
}

// Supervisor owns at most one child process at a time.
type Supervisor struct {
	logger   *slog.Logger
	cmd      *exec.Cmd
	exited   chan struct{}
	config   Config
	mu       sync.Mutex // serializes Start, Restart and Stop
	started  bool       // between Start and Stop, even if the last spawn failed
	state    atomic.Int32
	restarts atomic.Int64
	pid      atomic.Int64
}

// New creates a supervisor. Nothing runs until Start.
func New(config Config) (*Supervisor, error) {
	if config.Command == "" {
		return nil, goerr.New("command is required")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Supervisor{config: config, logger: logger}, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// PID returns the current child's pid, or 0 when none is running.
func (s *Supervisor) PID() int {
	return int(s.pid.Load())
}

// Restarts returns how many times the child has been restarted.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Start launches the child. Starting an already running supervisor is a no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil
	}
	if err := s.spawn(); err != nil {
		return err
	}
	s.started = true
	s.state.Store(int32(Running))
	return nil
}

// Restart terminates the current child, waits for it to exit, and starts a new one.
// If an earlier Restart failed to spawn, there is no child to terminate and the
// next Restart simply starts one.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotRunning
	}

	s.state.Store(int32(Restarting))
	if s.cmd != nil {
		s.logger.Info("Restarting process", "command", s.config.Command, "pid", s.cmd.Process.Pid)
		s.terminate()
	} else {
		s.logger.Info("Starting process after failed restart", "command", s.config.Command)
	}

	if err := s.spawn(); err != nil {
		s.state.Store(int32(Idle))
		s.logger.Error("Failed to restart process, will retry on the next merge", "command", s.config.Command, "error", err)
		return err
	}
	s.restarts.Add(1)
	s.state.Store(int32(Running))
	return nil
}

// Stop terminates the child and returns to Idle. Safe to call when nothing runs.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
	if s.cmd == nil {
		return nil
	}
	s.terminate()
	s.state.Store(int32(Idle))
	return nil
}

// spawn starts a new child (called with lock held).
func (s *Supervisor) spawn() error {
	cmd := exec.Command("sh", "-c", s.config.Command)
	cmd.Stdout = s.config.Stdout
	cmd.Stderr = s.config.Stderr
	// Own process group: signals to -pid reach the shell and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.cmd = nil
		s.pid.Store(0)
		return goerr.Wrap(err, "failed to start process", goerr.V("command", s.config.Command))
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.pid.Store(int64(cmd.Process.Pid))
	s.logger.Info("Process started", "command", s.config.Command, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		close(exited)
		if err != nil {
			s.logger.Info("Process exited", "pid", cmd.Process.Pid, "error", err)
			return
		}
		s.logger.Info("Process exited", "pid", cmd.Process.Pid, "exit_code", 0)
	}()
	return nil
}

// terminate sends SIGTERM to the child's process group, escalates to SIGKILL
// after the grace period, and waits for the child to be reaped (called with lock held).
func (s *Supervisor) terminate() {
	cmd, exited := s.cmd, s.exited
	s.cmd = nil
	s.exited = nil
	s.pid.Store(0)

	select {
	case <-exited:
		return
	default:
	}

	pgid := -cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Warn("SIGTERM failed, sending SIGKILL", "pid", cmd.Process.Pid, "error", err)
		s.kill(pgid)
	}

	timer := time.NewTimer(s.config.GracePeriod)
	defer timer.Stop()

	select {
	case <-exited:
		return
	case <-timer.C:
		s.logger.Warn("Process did not exit after SIGTERM, sending SIGKILL",
			"pid", cmd.Process.Pid, "grace_period", s.config.GracePeriod)
		s.kill(pgid)
	}
	<-exited
}

func (s *Supervisor) kill(pgid int) {
	// ESRCH from a group that already exited is harmless.
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.logger.Error("SIGKILL failed", "pgid", pgid, "error", err)
	}
}
