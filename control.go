package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"time"

	"github.com/axondata/go-daemon/internal/unix"
)

// Start daemonizes and runs the process. It fails with ErrAlreadyRunning when
// a liveness probe against the existing pidfile succeeds. In a detaching
// start the call returns as soon as the child is released; in a foreground
// start it returns when the run hook finishes.
func (d *Daemon) Start(ctx context.Context) error {
	if d.Status() {
		return ErrAlreadyRunning
	}
	return d.daemonize(ctx)
}

// Foreground runs the daemon without detaching, for interactive and debug runs
func (d *Daemon) Foreground(ctx context.Context) error {
	d.Detach = false
	return d.Start(ctx)
}

// Stop sends the termination signal to the recorded pid. With a positive
// killAfter it polls liveness at the stop poll interval until the budget
// elapses, then sends a forceful kill signal. A zero killAfter never
// escalates.
func (d *Daemon) Stop(ctx context.Context, killAfter time.Duration) error {
	if err := d.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	if killAfter <= 0 {
		return nil
	}

	deadline := time.Now().Add(killAfter)
	for time.Now().Before(deadline) {
		if !d.Status() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.StopPollInterval):
		}
	}
	return d.Kill()
}

// Kill sends an immediate forceful kill signal, bypassing graceful shutdown
func (d *Daemon) Kill() error {
	d.logger.Warn("sending kill signal; the pidfile may need manual cleanup")
	return d.Signal(syscall.SIGKILL)
}

// Restart stops the daemon if it is running, then starts it
func (d *Daemon) Restart(ctx context.Context, killAfter time.Duration) error {
	if d.Status() {
		if err := d.Stop(ctx, killAfter); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	}
	return d.Start(ctx)
}

// Update sends the reload signal to the running process. The default update
// hook reloads the configuration store.
func (d *Daemon) Update() error {
	return d.Signal(syscall.SIGHUP)
}

// Status reports whether a liveness probe against the pidfile succeeds. It is
// false when there is no pidfile, the pid is unparsable, or no live process
// answers the probe. Status never fails.
func (d *Daemon) Status() bool {
	record := d.pidfile()
	if record.Alive() {
		return true
	}
	if pid, err := record.Read(); err == nil {
		d.logger.Warn("pidfile exists but no process is running", "pid", pid)
	}
	return false
}

// Signal delivers sig to the pidfile's pid. A missing pidfile or a dead
// process id is ErrNotRunning.
func (d *Daemon) Signal(sig syscall.Signal) error {
	pid, err := d.pidfile().Read()
	if err != nil {
		return err
	}

	if err := unix.Kill(pid, sig); err != nil {
		if unix.IsProcessGone(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("daemon: signaling pid %d: %w", pid, err)
	}
	return nil
}

// action resolution for the control surface, including per-daemon aliases
// bound to the user-defined signals

// ParseAction resolves an action name to the Action it denotes. Per-daemon
// signal aliases resolve to ActionUsr1 or ActionUsr2.
func (d *Daemon) ParseAction(name string) (Action, error) {
	switch name {
	case actionStartStr:
		return ActionStart, nil
	case actionStopStr:
		return ActionStop, nil
	case actionRestartStr:
		return ActionRestart, nil
	case actionUpdateStr:
		return ActionUpdate, nil
	case actionStatusStr:
		return ActionStatus, nil
	case actionForegroundStr:
		return ActionForeground, nil
	case actionKillStr:
		return ActionKill, nil
	}

	for sig, alias := range d.SignalAlias {
		if alias != name {
			continue
		}
		switch sig {
		case syscall.SIGUSR1:
			return ActionUsr1, nil
		case syscall.SIGUSR2:
			return ActionUsr2, nil
		}
	}
	return ActionUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// Execute runs the named control action and maps its outcome to a control
// surface exit code: 0 success, 1 daemon-state conflict, 2 I/O or permission
// failure, 3 anything else. killAfter applies to stop and restart.
func (d *Daemon) Execute(ctx context.Context, name string, killAfter time.Duration) int {
	action, err := d.ParseAction(name)
	if err != nil {
		d.logger.Error("unknown action", "action", name)
		return ExitUnexpected
	}

	switch action {
	case ActionStart:
		err = d.Start(ctx)
	case ActionStop:
		err = d.Stop(ctx, killAfter)
	case ActionRestart:
		err = d.Restart(ctx, killAfter)
	case ActionUpdate:
		err = d.Update()
	case ActionStatus:
		if !d.Status() {
			err = ErrNotRunning
		}
	case ActionForeground:
		err = d.Foreground(ctx)
	case ActionKill:
		err = d.Kill()
	case ActionUsr1:
		err = d.Signal(syscall.SIGUSR1)
	case ActionUsr2:
		err = d.Signal(syscall.SIGUSR2)
	}

	return exitCode(err)
}

// exitCode maps an operation error to the control surface exit codes
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrAlreadyRunning) {
		return ExitStateConflict
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EIO) {
		return ExitIOFailure
	}
	return ExitUnexpected
}
