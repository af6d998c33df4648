// Package daemon is a framework for building and operating UNIX background
// service processes: process lifecycle (detach, privilege drop, pidfile-based
// remote control, signal-driven state transitions), a reactive configuration
// store, and a supervisor that wraps an arbitrary executable as a managed
// service with a restart policy.
//
// A concrete daemon implements Handler — usually by embedding BaseHandler and
// providing Run — and hands it to New:
//
//	type webDaemon struct {
//	    daemon.BaseHandler
//	}
//
//	func (webDaemon) Run(ctx context.Context, d *daemon.Daemon) error {
//	    port, err := daemon.Get(d.Config, "web", "port", 8080, daemon.AsInt)
//	    if err != nil {
//	        return err
//	    }
//	    // serve until ctx is canceled
//	    <-ctx.Done()
//	    return nil
//	}
//
//	d, err := daemon.New("webd", webDaemon{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.Exit(d.Execute(context.Background(), os.Args[1], 8*time.Second))
//
// Execute accepts the control surface actions start, stop, restart, update,
// status, foreground, and kill, plus any per-daemon aliases bound to the
// user-defined signals, and returns the exit code for a thin CLI to pass to
// os.Exit.
//
// # Reactive configuration
//
// The daemon's configuration lives in /etc/<name>.conf and is exposed as a
// three-level reactive tree (ConfigFile, ConfigSection, ConfigOption).
// Entities persist across reloads, so references stay valid; subscribers fire
// on presence changes and on raw value changes:
//
//	interval, unsub, err := daemon.Watch(d.Config, "web", "poll_interval",
//	    30*time.Second, daemon.AsDuration,
//	    func(v time.Duration) { /* value changed */ },
//	    func(err error) { /* transform failed */ })
//
// The reload signal (SIGHUP) re-parses the file and reconciles the tree;
// reapplying identical contents fires nothing.
//
// # Supervising an external executable
//
// SupervisorBuilder wraps a program as a managed daemon, streaming its merged
// output into the log sink and relaunching it after a configurable backoff:
//
//	d, _, err := daemon.NewSupervisorBuilder("sleeperd", "/bin/sleep", "2").
//	    WithRestartInterval(3 * time.Second).
//	    Build()
//
// # Design philosophy
//
// This library prioritizes:
//
//   - Correct ordering across the detach: identity resolution and privileged
//     setup happen before the process splits, privilege drop before the
//     pidfile write and signal installation
//   - Minimal work in asynchronous signal context: handlers only queue onto
//     the bridge; hooks run on an ordinary goroutine and must be idempotent
//   - Stable identity for configuration entities, so long-lived references
//     survive any number of reloads
//   - Pidfile cleanup on every exit path, with removal failures logged but
//     never escalated
package daemon
