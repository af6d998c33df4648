package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/axondata/go-daemon/internal/unix"
)

// detachEnv marks the re-exec'd child of a detaching start. Go cannot fork,
// so the detach step spawns the same binary again in a new session; the child
// finds its daemon name in this variable and skips the detach step itself.
const detachEnv = "GO_DAEMON_DETACHED"

// daemonize executes the full startup sequence: preparation, identity
// resolution, pidfile directory setup, optional detach, prerun hook,
// privilege drop, pidfile write, signal wiring, and finally the run hook.
// In a detaching start the parent branch returns nil as soon as the child is
// released; every other return happens after the run hook has finished.
func (d *Daemon) daemonize(ctx context.Context) error {
	if err := d.advance(PhasePreparing); err != nil {
		return err
	}

	// Preparation and identity resolution happen before any detach: the
	// active effective user may be required to read the identity database,
	// and the child inherits umask and working directory.
	if err := d.prepare(); err != nil {
		d.logger.Error("preparation failed", "error", err)
		_ = d.advance(PhaseFailed)
		return err
	}
	if err := d.resolveIdentity(); err != nil {
		d.logger.Error("identity resolution failed", "error", err)
		_ = d.advance(PhaseFailed)
		return err
	}
	if err := d.makePidfileDir(); err != nil {
		d.logger.Error("pidfile dir setup failed", "error", err)
		_ = d.advance(PhaseFailed)
		return err
	}

	if d.Detach && os.Getenv(detachEnv) != d.Name {
		if err := d.advance(PhaseForking); err != nil {
			_ = d.advance(PhaseFailed)
			return err
		}
		if err := d.spawnDetached(); err != nil {
			d.logger.Error("failed to detach daemon process", "error", err)
			_ = d.advance(PhaseFailed)
			return err
		}
		// Parent branch: the detached child carries on alone.
		_ = d.advance(PhaseStopped)
		return nil
	}
	if d.Phase() == PhasePreparing && d.Detach {
		_ = d.advance(PhaseForking)
	}

	return d.runDaemon(ctx)
}

// prepare sets the configured umask and moves to the filesystem root
func (d *Daemon) prepare() error {
	umask, err := Get(d.Config, "daemon", "umask", DefaultUmask, AsOctal)
	if err != nil {
		return fmt.Errorf("reading daemon.umask: %w", err)
	}
	unix.Umask(int(umask))

	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("changing to filesystem root: %w", err)
	}
	return nil
}

// resolveIdentity maps the configured user and group names to numeric ids
// while the process is still privileged
func (d *Daemon) resolveIdentity() error {
	username, err := Get(d.Config, "daemon", "user", DefaultUser, AsString)
	if err != nil {
		return err
	}
	groupname, err := Get(d.Config, "daemon", "group", DefaultGroup, AsString)
	if err != nil {
		return err
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("%w: user %q: %v", ErrUnknownIdentity, username, err)
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		return fmt.Errorf("%w: group %q: %v", ErrUnknownIdentity, groupname, err)
	}

	d.uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("%w: user %q has non-numeric uid %q", ErrUnknownIdentity, username, u.Uid)
	}
	d.gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("%w: group %q has non-numeric gid %q", ErrUnknownIdentity, groupname, g.Gid)
	}
	return nil
}

// makePidfileDir creates the pidfile directory with restricted permissions
// and hands it to the resolved execution ids, so the process can still manage
// its pidfile once privileges are dropped
func (d *Daemon) makePidfileDir() error {
	dir := d.PidfileDir()
	if err := os.MkdirAll(dir, PidfileDirMode); err != nil {
		return fmt.Errorf("creating pidfile dir: %w", err)
	}
	if err := os.Lchown(dir, d.uid, d.gid); err != nil {
		return fmt.Errorf("owning pidfile dir: %w", err)
	}
	return nil
}

// spawnDetached re-executes this binary in a new session with null stdio and
// releases it. Unlike a classic double fork the final process remains the
// session leader, so it could still acquire a controlling terminal by opening
// a tty without O_NOCTTY; the nulled stdio and the root working directory
// keep it away from any tty in normal operation.
func (d *Daemon) spawnDetached() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer func() { _ = devnull.Close() }()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(), detachEnv+"="+d.Name)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning detached process: %w", err)
	}
	return cmd.Process.Release()
}

// dropPrivileges permanently lowers credentials to the resolved ids, group
// first
func (d *Daemon) dropPrivileges() error {
	if err := unix.DropPrivileges(d.uid, d.gid); err != nil {
		return fmt.Errorf("dropping privileges: %w", err)
	}
	return nil
}

// runDaemon is the post-detach half of the sequence. Whatever happens inside,
// the pidfile is removed on the way out; removal failure is only a warning.
func (d *Daemon) runDaemon(ctx context.Context) (err error) {
	pidfile := d.pidfile()
	pidfileWritten := false
	defer func() {
		if !pidfileWritten {
			return
		}
		if rmErr := pidfile.Remove(); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("could not remove pidfile", "path", pidfile.Path, "error", rmErr)
		}
	}()
	defer func() {
		d.logStopped(err)
		if d.lock != nil {
			_ = d.lock.Unlock()
		}
	}()

	d.logger.Info("started")

	// Prerun executes while still privileged, for binding privileged
	// resources such as low ports.
	if err := d.handler.PreRun(d); err != nil {
		_ = d.advance(PhaseFailed)
		return fmt.Errorf("prerun hook: %w", err)
	}

	if err := d.advance(PhasePrivilegeDrop); err != nil {
		return err
	}
	if err := d.dropPrivileges(); err != nil {
		_ = d.advance(PhaseFailed)
		return err
	}

	if err := d.acquireLock(); err != nil {
		_ = d.advance(PhaseFailed)
		return err
	}
	if err := pidfile.Write(os.Getpid()); err != nil {
		_ = d.advance(PhaseFailed)
		return err
	}
	pidfileWritten = true

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.runCancel = cancel
	d.stopIssued.Store(false)

	d.installSignalHandlers()
	defer d.bridge.Stop()

	if d.Autoreload {
		cleanup, watchErr := watchConfig(runCtx, d.Config.Path, DefaultWatchDebounce, func() {
			d.handler.Update(d)
		})
		if watchErr != nil {
			d.logger.Warn("config watch unavailable", "path", d.Config.Path, "error", watchErr)
		} else {
			d.logger.Info("watching config file", "path", d.Config.Path)
			defer func() { _ = cleanup() }()
		}
	}

	if err := d.advance(PhaseRunning); err != nil {
		return err
	}

	err = d.backend.Run(runCtx, func(ctx context.Context) error {
		return d.handler.Run(ctx, d)
	}, d.requestStop)

	if d.Phase() == PhaseRunning {
		_ = d.advance(PhaseStopping)
	}
	if failed := err != nil && !isRequestedExit(err); failed {
		_ = d.advance(PhaseFailed)
	} else {
		_ = d.advance(PhaseStopped)
	}
	return err
}

// acquireLock takes the singleton lock file, closing the race between the
// liveness probe in Start and the pidfile write here
func (d *Daemon) acquireLock() error {
	if err := os.MkdirAll(d.LockDir(), 0o755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}

	lock := flock.New(d.LockPath())
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", d.LockPath(), err)
	}
	if !held {
		return ErrAlreadyRunning
	}
	d.lock = lock
	return nil
}

// installSignalHandlers wires the signal bridge. Interrupt and terminate
// request a stop, the reload signal runs the update hook, and the two
// user-defined signals run their hooks. The bound actions execute on the
// bridge's dispatch goroutine, never in asynchronous signal context.
func (d *Daemon) installSignalHandlers() {
	d.bridge.Bind(syscall.SIGINT, d.requestStop)
	d.bridge.Bind(syscall.SIGTERM, d.requestStop)
	d.bridge.Bind(syscall.SIGHUP, func() { d.handler.Update(d) })
	d.bridge.Bind(syscall.SIGUSR1, func() { d.handler.USR1(d) })
	d.bridge.Bind(syscall.SIGUSR2, func() { d.handler.USR2(d) })
	d.bridge.Start()
}

// logStopped records the run outcome: a clean stop, a requested exit code, or
// an uncaught failure
func (d *Daemon) logStopped(err error) {
	var exitErr *ExitError
	switch {
	case err == nil:
		d.logger.Info("stopped")
	case errors.As(err, &exitErr):
		if exitErr.Code == 0 {
			d.logger.Info("stopped")
		} else {
			d.logger.Warn("stopped with code " + strconv.Itoa(exitErr.Code))
		}
	default:
		d.logger.Error("killed by uncaught error", "error", err)
	}
}

// isRequestedExit reports whether err is a deliberate exit request rather
// than a failure
func isRequestedExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
