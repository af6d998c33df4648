package daemon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/axondata/go-daemon/internal/unix"
)

// ProcessHandle describes one run iteration of a supervised process
type ProcessHandle struct {
	// PID is the external process id
	PID int
	// Alive reports whether the process has not been reaped yet
	Alive bool
	// Restarts counts how many times the process has been relaunched
	Restarts int
}

// Supervisor wraps an arbitrary external executable as a managed daemon. Its
// run hook spawns the executable, merges its standard output and error
// streams, forwards each non-empty line to the log sink until end of stream,
// and applies the restart policy when the process exits.
type Supervisor struct {
	BaseHandler

	// Cmd is the executable and its fixed argument list
	Cmd []string

	// Cwd is the working directory for the process; empty inherits the
	// daemon's (the filesystem root after daemonization)
	Cwd string

	// Env contains extra environment variables for the process
	Env map[string]string

	// RestartInterval is the backoff between an unrequested exit and the
	// relaunch. Zero disables restarts: a nonzero exit then becomes the
	// daemon's own exit code.
	RestartInterval time.Duration

	stopRequested atomic.Bool
	childPID      atomic.Int64
	restarts      atomic.Int64
	alive         atomic.Bool
}

// Process returns a snapshot of the supervised process state
func (s *Supervisor) Process() ProcessHandle {
	return ProcessHandle{
		PID:      int(s.childPID.Load()),
		Alive:    s.alive.Load(),
		Restarts: int(s.restarts.Load()),
	}
}

// Run spawns and monitors the external process, relaunching it per the
// restart policy until a stop is requested
func (s *Supervisor) Run(ctx context.Context, d *Daemon) error {
	if len(s.Cmd) == 0 {
		return fmt.Errorf("daemon: supervisor has no command")
	}

	for {
		code, err := s.runOnce(ctx, d)
		if err != nil {
			return err
		}

		if s.stopRequested.Load() || ctx.Err() != nil {
			// Requested exit: the stop hook already ran, nothing to escalate.
			return nil
		}

		if s.RestartInterval <= 0 {
			if code != 0 {
				return Exit(code)
			}
			return nil
		}

		d.Logger().Log(ctx, LevelCritical, "process died unexpectedly",
			"code", code, "restart_in", s.RestartInterval)
		s.restarts.Add(1)

		if err := d.backend.Sleep(ctx, s.RestartInterval); err != nil {
			return nil
		}
	}
}

// runOnce executes one iteration: spawn, stream output, reap
func (s *Supervisor) runOnce(ctx context.Context, d *Daemon) (int, error) {
	cmd := exec.Command(s.Cmd[0], s.Cmd[1:]...)
	cmd.Dir = s.Cwd
	if len(s.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range s.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	// One pipe carries both streams so output interleaves in arrival order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return 0, fmt.Errorf("spawning %s: %w", s.Cmd[0], err)
	}
	_ = pw.Close()

	s.childPID.Store(int64(cmd.Process.Pid))
	s.alive.Store(true)
	d.Logger().Info("process started", "pid", cmd.Process.Pid, "restarts", s.restarts.Load())

	// Lines have no length cap, so read with ReadString rather than a
	// token-limited Scanner.
	reader := bufio.NewReader(pr)
	for {
		line, readErr := reader.ReadString('\n')
		if text := strings.TrimRight(line, " \t\r\n"); text != "" {
			d.Logger().Info(text)
		}
		if readErr != nil {
			break
		}
	}
	_ = pr.Close()

	err = cmd.Wait()
	s.alive.Store(false)
	s.childPID.Store(0)

	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return 0, fmt.Errorf("waiting for %s: %w", s.Cmd[0], err)
		}
		code = exitErr.ExitCode()
	}
	return code, nil
}

// Stop flags the stop request and forwards a termination signal to the child,
// ignoring the race where the child is already gone
func (s *Supervisor) Stop(*Daemon) {
	s.stopRequested.Store(true)
	if pid := int(s.childPID.Load()); pid > 0 {
		// ESRCH here just means the child beat us to the exit.
		_ = unix.Kill(pid, syscall.SIGTERM)
	}
}

// SupervisorBuilder provides a fluent interface for assembling a supervised
// daemon around an external executable
type SupervisorBuilder struct {
	// Name is the daemon name
	Name string
	// Cmd is the executable and its fixed argument list
	Cmd []string
	// Cwd is the working directory for the supervised process
	Cwd string
	// Env contains extra environment variables for the supervised process
	Env map[string]string
	// RestartInterval is the restart backoff; zero disables restarts
	RestartInterval time.Duration
	// DaemonOptions are applied to the underlying Daemon
	DaemonOptions []Option
}

// NewSupervisorBuilder creates a builder for a daemon named name wrapping the
// given command
func NewSupervisorBuilder(name string, cmd ...string) *SupervisorBuilder {
	return &SupervisorBuilder{
		Name: name,
		Cmd:  cmd,
		Env:  make(map[string]string),
	}
}

// WithCwd sets the working directory for the supervised process
func (b *SupervisorBuilder) WithCwd(dir string) *SupervisorBuilder {
	b.Cwd = dir
	return b
}

// WithEnv adds an environment variable for the supervised process
func (b *SupervisorBuilder) WithEnv(key, value string) *SupervisorBuilder {
	b.Env[key] = value
	return b
}

// WithRestartInterval sets the restart backoff. Zero disables restarts and
// surfaces a nonzero child exit as the daemon's own exit code.
func (b *SupervisorBuilder) WithRestartInterval(interval time.Duration) *SupervisorBuilder {
	b.RestartInterval = interval
	return b
}

// WithDaemonOptions appends options for the underlying Daemon
func (b *SupervisorBuilder) WithDaemonOptions(opts ...Option) *SupervisorBuilder {
	b.DaemonOptions = append(b.DaemonOptions, opts...)
	return b
}

// Build assembles the Supervisor and its Daemon
func (b *SupervisorBuilder) Build() (*Daemon, *Supervisor, error) {
	if len(b.Cmd) == 0 {
		return nil, nil, fmt.Errorf("daemon: supervisor builder needs a command")
	}

	sup := &Supervisor{
		Cmd:             b.Cmd,
		Cwd:             b.Cwd,
		Env:             b.Env,
		RestartInterval: b.RestartInterval,
	}
	d, err := New(b.Name, sup, b.DaemonOptions...)
	if err != nil {
		return nil, nil, err
	}
	return d, sup, nil
}
