package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalunix "github.com/axondata/go-daemon/internal/unix"
)

// newTestDaemon builds a daemon rooted in a temp directory, configured to run
// as the current user so the identity and ownership steps work unprivileged.
func newTestDaemon(t *testing.T, handler Handler, opts ...Option) *Daemon {
	t.Helper()

	base := t.TempDir()
	u, err := user.Current()
	require.NoError(t, err)
	g, err := user.LookupGroupId(u.Gid)
	require.NoError(t, err)

	cfgPath := filepath.Join(base, "test.conf")
	content := "[daemon]\nuser = " + u.Username + "\ngroup = " + g.Name + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	opts = append([]Option{
		WithBases(base, filepath.Join(base, "usr"), filepath.Join(base, "var")),
		WithConfigPath(cfgPath),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	d, err := New("testd", handler, opts...)
	require.NoError(t, err)

	// The daemonization sequence chdirs to / and sets the umask; restore
	// both so tests stay independent.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	oldUmask := internalunix.Umask(0)
	internalunix.Umask(oldUmask)
	t.Cleanup(func() {
		_ = os.Chdir(cwd)
		internalunix.Umask(oldUmask)
	})

	return d
}

// runHandler runs fn as the daemon main loop with no-op defaults elsewhere
type runHandler struct {
	BaseHandler
	fn      func(ctx context.Context, d *Daemon) error
	stopped atomic.Int64
}

func (h *runHandler) Run(ctx context.Context, d *Daemon) error {
	return h.fn(ctx, d)
}

func (h *runHandler) Stop(*Daemon) {
	h.stopped.Add(1)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", &runHandler{})
	assert.Error(t, err)

	_, err = New("testd", nil)
	assert.Error(t, err)
}

func TestPathDerivation(t *testing.T) {
	d := newTestDaemon(t, &runHandler{})
	base := d.DataBase

	assert.Equal(t, filepath.Join(base, "run"), d.RuntimeDir())
	assert.Equal(t, filepath.Join(base, "lib"), d.StateDir())
	assert.Equal(t, filepath.Join(base, "lock"), d.LockDir())
	assert.Equal(t, filepath.Join(base, "cache"), d.CacheDir())
	assert.Equal(t, filepath.Join(base, "run", "testd"), d.PidfileDir())
	assert.Equal(t, filepath.Join(base, "run", "testd", "testd.pid"), d.PidfilePath())
	assert.Equal(t, filepath.Join(base, "lock", "testd.lock"), d.LockPath())
}

func TestDefaultPathDerivation(t *testing.T) {
	d, err := New("mydaemon", &runHandler{fn: func(context.Context, *Daemon) error { return nil }},
		WithConfigPath(filepath.Join(t.TempDir(), "none.conf")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	assert.Equal(t, "/var/run/mydaemon/mydaemon.pid", d.PidfilePath())
	assert.Equal(t, "/etc/mydaemon", d.ConfigDir())
}

func TestConfigPathDefault(t *testing.T) {
	d := &Daemon{Name: "named", ConfigBase: DefaultConfigBase}
	assert.Equal(t, "/etc/named.conf", d.ConfigPath())

	d.configPath = "/tmp/other.conf"
	assert.Equal(t, "/tmp/other.conf", d.ConfigPath())
}

func TestStatusAtRest(t *testing.T) {
	d := newTestDaemon(t, &runHandler{})
	assert.False(t, d.Status(), "no pidfile means not running")
	assert.Equal(t, PhaseNotStarted, d.Phase())
}

func TestForegroundRunLifecycle(t *testing.T) {
	var sawPidfile atomic.Bool
	handler := &runHandler{}
	handler.fn = func(ctx context.Context, d *Daemon) error {
		if _, err := os.Stat(d.PidfilePath()); err == nil {
			sawPidfile.Store(true)
		}
		return nil
	}

	d := newTestDaemon(t, handler)
	require.NoError(t, d.Foreground(context.Background()))

	assert.True(t, sawPidfile.Load(), "pidfile exists while the run hook executes")
	assert.NoFileExists(t, d.PidfilePath(), "pidfile removed on exit")
	assert.Equal(t, PhaseStopped, d.Phase())
	assert.False(t, d.Status())
}

func TestForegroundHookOrdering(t *testing.T) {
	var order []string
	handler := &orderHandler{order: &order}

	d := newTestDaemon(t, handler)
	require.NoError(t, d.Foreground(context.Background()))

	assert.Equal(t, []string{"prerun", "run"}, order)
}

type orderHandler struct {
	BaseHandler
	order *[]string
}

func (h *orderHandler) PreRun(*Daemon) error {
	*h.order = append(*h.order, "prerun")
	return nil
}

func (h *orderHandler) Run(context.Context, *Daemon) error {
	*h.order = append(*h.order, "run")
	return nil
}

func TestForegroundStopRequest(t *testing.T) {
	handler := &runHandler{}
	handler.fn = func(ctx context.Context, _ *Daemon) error {
		<-ctx.Done()
		return nil
	}

	d := newTestDaemon(t, handler)

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.requestStop()
	}()

	require.NoError(t, d.Foreground(context.Background()))
	assert.Equal(t, int64(1), handler.stopped.Load(), "stop hook invoked once")
	assert.Equal(t, PhaseStopped, d.Phase())
}

func TestForegroundCooperativeStopRequest(t *testing.T) {
	handler := &runHandler{}
	handler.fn = func(ctx context.Context, _ *Daemon) error {
		<-ctx.Done()
		return nil
	}

	d := newTestDaemon(t, handler, WithBackend(&CooperativeBackend{}))

	go func() {
		time.Sleep(100 * time.Millisecond)
		d.requestStop()
	}()

	require.NoError(t, d.Foreground(context.Background()))
	assert.Equal(t, int64(1), handler.stopped.Load(),
		"the backend's interrupt must not re-run a stop hook the request already ran")
	assert.Equal(t, PhaseStopped, d.Phase())
}

func TestForegroundSignalDelivery(t *testing.T) {
	usr1 := make(chan struct{})
	handler := &signalHandler{usr1: usr1}

	d := newTestDaemon(t, handler)

	go func() {
		// Give the run hook time to install handlers, then exercise the
		// user-defined signal followed by a stop.
		time.Sleep(100 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGUSR1)
		select {
		case <-usr1:
		case <-time.After(2 * time.Second):
		}
		d.requestStop()
	}()

	require.NoError(t, d.Foreground(context.Background()))

	select {
	case <-usr1:
	default:
		t.Fatal("USR1 hook never ran")
	}
}

type signalHandler struct {
	BaseHandler
	usr1 chan struct{}
	once atomic.Bool
}

func (h *signalHandler) Run(ctx context.Context, _ *Daemon) error {
	<-ctx.Done()
	return nil
}

func (h *signalHandler) USR1(*Daemon) {
	if h.once.CompareAndSwap(false, true) {
		close(h.usr1)
	}
}

func TestForegroundRequestedExitCode(t *testing.T) {
	handler := &runHandler{}
	handler.fn = func(context.Context, *Daemon) error {
		return Exit(7)
	}

	d := newTestDaemon(t, handler)
	err := d.Foreground(context.Background())

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.Code)
	assert.Equal(t, PhaseStopped, d.Phase(), "a requested exit is not a failure")
	assert.NoFileExists(t, d.PidfilePath())
}

func TestForegroundUncaughtFailure(t *testing.T) {
	boom := errors.New("boom")
	handler := &runHandler{}
	handler.fn = func(context.Context, *Daemon) error {
		return boom
	}

	d := newTestDaemon(t, handler)
	err := d.Foreground(context.Background())

	require.ErrorIs(t, err, boom)
	assert.Equal(t, PhaseFailed, d.Phase())
	assert.NoFileExists(t, d.PidfilePath(), "pidfile removed even on failure")
}

func TestStartAlreadyRunning(t *testing.T) {
	d := newTestDaemon(t, &runHandler{})

	require.NoError(t, os.MkdirAll(d.PidfileDir(), 0o770))
	record := &PidRecord{Path: d.PidfilePath()}
	require.NoError(t, record.Write(os.Getpid()))

	err := d.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartUnknownIdentity(t *testing.T) {
	d := newTestDaemon(t, &runHandler{})
	writeConfigFile(t, d.ConfigPath(), "[daemon]\nuser = no-such-user-xyzzy\n")
	require.NoError(t, d.Config.Update())

	d.Detach = false
	err := d.Start(context.Background())
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Equal(t, PhaseFailed, d.Phase())
}

func TestUpdateHookReloadsConfig(t *testing.T) {
	handler := &runHandler{}
	handler.fn = func(ctx context.Context, _ *Daemon) error {
		<-ctx.Done()
		return nil
	}

	d := newTestDaemon(t, handler)

	value := make(chan string, 1)
	_, unsub, err := Watch(d.Config, "app", "greeting", "", AsString,
		func(v string) { value <- v }, nil)
	require.NoError(t, err)
	defer unsub()

	go func() {
		time.Sleep(100 * time.Millisecond)
		writeConfigFile(t, d.ConfigPath(), "[app]\ngreeting = hello\n")
		_ = syscall.Kill(os.Getpid(), syscall.SIGHUP)
		select {
		case v := <-value:
			value <- v
		case <-time.After(2 * time.Second):
		}
		d.requestStop()
	}()

	require.NoError(t, d.Foreground(context.Background()))

	select {
	case v := <-value:
		assert.Equal(t, "hello", v)
	default:
		t.Fatal("config reload never notified the subscriber")
	}
}

func TestPhaseString(t *testing.T) {
	phases := map[Phase]string{
		PhaseNotStarted:    "not-started",
		PhasePreparing:     "preparing",
		PhaseForking:       "forking",
		PhasePrivilegeDrop: "privilege-drop",
		PhaseRunning:       "running",
		PhaseStopping:      "stopping",
		PhaseStopped:       "stopped",
		PhaseFailed:        "failed",
		Phase(99):          "invalid",
	}
	for phase, want := range phases {
		assert.Equal(t, want, phase.String())
	}
}

func TestIllegalPhaseTransition(t *testing.T) {
	d := newTestDaemon(t, &runHandler{})
	assert.Error(t, d.advance(PhaseRunning), "not-started cannot jump to running")
	require.NoError(t, d.advance(PhasePreparing))
	assert.Error(t, d.advance(PhaseStopped))
}

func TestPidfileDirOwnership(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)
	if u.Uid != "0" {
		t.Skip("ownership assertion requires root")
	}

	d := newTestDaemon(t, &runHandler{fn: func(context.Context, *Daemon) error { return nil }})
	require.NoError(t, d.Foreground(context.Background()))

	info, err := os.Stat(d.PidfileDir())
	require.NoError(t, err)
	stat, ok := info.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	assert.Equal(t, uint32(d.uid), stat.Uid)
	assert.Equal(t, uint32(d.gid), stat.Gid)
}
