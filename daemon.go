package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Handler is the fixed capability set a concrete daemon implements. Embed
// BaseHandler to pick up default no-op implementations for everything except
// Run, which every daemon must provide.
type Handler interface {
	// PreRun executes after detaching but before the privilege drop, while
	// the process is still privileged. Bind privileged resources here.
	PreRun(d *Daemon) error

	// Run is the daemon main loop. ctx is canceled once a stop has been
	// requested; Run should return promptly after that.
	Run(ctx context.Context, d *Daemon) error

	// Stop handles a stop request (interrupt or terminate signal). It runs
	// at most once per run, before the run context is canceled, and must
	// be quick.
	Stop(d *Daemon)

	// Update handles the reload signal. The default reloads the config store.
	Update(d *Daemon)

	// USR1 handles the first user-defined signal
	USR1(d *Daemon)

	// USR2 handles the second user-defined signal
	USR2(d *Daemon)
}

// BaseHandler provides default implementations for every Handler capability
// except Run. Stop and the user signals do nothing; Update reloads the config
// store, which is safe to repeat.
type BaseHandler struct{}

// PreRun does nothing
func (BaseHandler) PreRun(*Daemon) error { return nil }

// Stop does nothing; the daemon cancels the run context after calling it
func (BaseHandler) Stop(*Daemon) {}

// Update reloads the configuration store
func (BaseHandler) Update(d *Daemon) {
	d.logger.Info("reloading config")
	if err := d.Config.Update(); err != nil {
		d.logger.Error("config reload failed", "error", err)
	}
}

// USR1 does nothing
func (BaseHandler) USR1(*Daemon) {}

// USR2 does nothing
func (BaseHandler) USR2(*Daemon) {}

// Phase identifies where a daemon is in its lifecycle
type Phase int

const (
	// PhaseNotStarted is the initial phase
	PhaseNotStarted Phase = iota
	// PhasePreparing covers umask, working directory, and identity resolution
	PhasePreparing
	// PhaseForking covers the detach into a new session
	PhaseForking
	// PhasePrivilegeDrop covers the prerun hook and credential drop
	PhasePrivilegeDrop
	// PhaseRunning means the run hook is executing
	PhaseRunning
	// PhaseStopping means a stop has been requested
	PhaseStopping
	// PhaseStopped is the terminal phase of a clean exit
	PhaseStopped
	// PhaseFailed is the terminal phase of a fatal failure
	PhaseFailed
)

// String returns a human readable phase name
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not-started"
	case PhasePreparing:
		return "preparing"
	case PhaseForking:
		return "forking"
	case PhasePrivilegeDrop:
		return "privilege-drop"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// phaseTransitions guards the lifecycle state machine. PhaseFailed is
// reachable from everywhere.
var phaseTransitions = map[Phase][]Phase{
	PhaseNotStarted:    {PhasePreparing},
	PhasePreparing:     {PhaseForking, PhasePrivilegeDrop},
	PhaseForking:       {PhasePrivilegeDrop, PhaseStopped},
	PhasePrivilegeDrop: {PhaseRunning},
	PhaseRunning:       {PhaseStopping},
	PhaseStopping:      {PhaseStopped},
}

// Daemon orchestrates the lifecycle of one UNIX background service process:
// preparation, detach, privilege drop, pidfile management, signal wiring, and
// the remote-control API. Construct one with New and drive it either through
// the typed methods (Start, Stop, Status, ...) or through Execute with an
// action name from a thin CLI.
type Daemon struct {
	// Name identifies the daemon; every canonical path derives from it
	Name string

	// Description is free-form text surfaced by external tooling
	Description string

	// ConfigBase is the base directory for the configuration file
	ConfigBase string

	// ReadonlyBase is the base directory for read-only system data
	ReadonlyBase string

	// DataBase is the base directory for runtime, state, lock, and cache data
	DataBase string

	// Detach controls whether Start re-execs into a detached session.
	// Foreground clears it for interactive and debug runs.
	Detach bool

	// Autoreload watches the configuration file and invokes the update hook
	// whenever it changes
	Autoreload bool

	// StopPollInterval is the liveness poll interval used by Stop when a kill
	// budget is given
	StopPollInterval time.Duration

	// SignalAlias exposes the user-defined signals as extra named actions on
	// the control surface
	SignalAlias map[syscall.Signal]string

	// Config is the reactive configuration store, created once at
	// construction and alive for the process lifetime
	Config *ConfigFile

	handler    Handler
	backend    ExecBackend
	logger     *slog.Logger
	bridge     *SignalBridge
	configPath string
	uid, gid   int
	lock       *flock.Flock
	runCancel  context.CancelFunc

	// stopIssued collapses the racing stop paths (signal dispatch, direct
	// requestStop, backend interrupt) into one stop-hook invocation per run
	stopIssued atomic.Bool

	// phaseMu guards phase: signal dispatch observes and advances the state
	// machine concurrently with the run path
	phaseMu sync.Mutex
	phase   Phase
}

// Option configures a Daemon
type Option func(*Daemon)

// WithDescription sets the free-form daemon description
func WithDescription(desc string) Option {
	return func(d *Daemon) {
		d.Description = desc
	}
}

// WithBases overrides the /etc, /usr, and /var base directories
func WithBases(configBase, readonlyBase, dataBase string) Option {
	return func(d *Daemon) {
		d.ConfigBase = configBase
		d.ReadonlyBase = readonlyBase
		d.DataBase = dataBase
	}
}

// WithConfigPath overrides the derived configuration file path
func WithConfigPath(path string) Option {
	return func(d *Daemon) {
		d.configPath = path
	}
}

// WithBackend selects the execution backend. The default is BlockingBackend.
func WithBackend(b ExecBackend) Option {
	return func(d *Daemon) {
		d.backend = b
	}
}

// WithLogger replaces the logger built from the [logging] config section
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithAutoreload enables watching the configuration file for changes
func WithAutoreload() Option {
	return func(d *Daemon) {
		d.Autoreload = true
	}
}

// WithSignalAlias binds a named control-surface action to one of the
// user-defined signals (SIGUSR1 or SIGUSR2)
func WithSignalAlias(sig syscall.Signal, name string) Option {
	return func(d *Daemon) {
		d.SignalAlias[sig] = name
	}
}

// WithStopPollInterval overrides the liveness poll interval used by Stop
func WithStopPollInterval(interval time.Duration) Option {
	return func(d *Daemon) {
		d.StopPollInterval = interval
	}
}

// New creates a Daemon for the given name and handler, loads its configuration
// store, and builds its logger from the [logging] section. The handler's Run
// hook becomes the daemon main loop.
func New(name string, handler Handler, opts ...Option) (*Daemon, error) {
	if name == "" {
		return nil, fmt.Errorf("daemon: name must not be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("daemon: handler must not be nil")
	}

	d := &Daemon{
		Name:             name,
		ConfigBase:       DefaultConfigBase,
		ReadonlyBase:     DefaultReadonlyBase,
		DataBase:         DefaultDataBase,
		Detach:           true,
		StopPollInterval: DefaultStopPollInterval,
		SignalAlias:      make(map[syscall.Signal]string),
		handler:          handler,
		backend:          BlockingBackend{},
		phase:            PhaseNotStarted,
	}

	for _, opt := range opts {
		opt(d)
	}

	config, err := NewConfigFile(d.ConfigPath())
	if err != nil {
		return nil, err
	}
	d.Config = config

	if d.logger == nil {
		d.logger = newDaemonLogger(d.Name, config)
	}
	d.bridge = newSignalBridge(d.backend)

	return d, nil
}

// Logger returns the daemon's logging handle
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Phase returns the current lifecycle phase
func (d *Daemon) Phase() Phase {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	return d.phase
}

// advance moves the lifecycle state machine to the given phase. Transitions
// outside the guard table fail; the failed phase is reachable from anywhere.
func (d *Daemon) advance(to Phase) error {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	if to == PhaseFailed {
		d.phase = PhaseFailed
		return nil
	}
	for _, allowed := range phaseTransitions[d.phase] {
		if allowed == to {
			d.phase = to
			return nil
		}
	}
	return fmt.Errorf("daemon: illegal phase transition %s -> %s", d.phase, to)
}

// requestStop invokes the stop hook and cancels the run context. It is bound
// to the interrupt and terminate signals and doubles as the backend interrupt;
// only the first invocation per run reaches the stop hook, so a backend
// reacting to the cancellation this very call issued does not run it again.
func (d *Daemon) requestStop() {
	if !d.stopIssued.CompareAndSwap(false, true) {
		return
	}
	if d.Phase() == PhaseRunning {
		_ = d.advance(PhaseStopping)
	}
	d.handler.Stop(d)
	if d.runCancel != nil {
		d.runCancel()
	}
}

func (d *Daemon) pidfile() *PidRecord {
	return &PidRecord{Path: d.PidfilePath()}
}
