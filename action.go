package daemon

import (
	"io/fs"
	"time"
)

// Canonical path bases, overridable per Daemon
const (
	// DefaultConfigBase is the base directory for configuration files
	DefaultConfigBase = "/etc"

	// DefaultReadonlyBase is the base directory for read-only system data
	DefaultReadonlyBase = "/usr"

	// DefaultDataBase is the base directory for variable system data
	DefaultDataBase = "/var"
)

// Defaults applied when the configuration file does not say otherwise
const (
	// DefaultUser is the account the daemon runs as when [daemon] user is unset
	DefaultUser = "root"

	// DefaultGroup is the group the daemon runs as when [daemon] group is unset
	DefaultGroup = "root"

	// DefaultUmask is the file mode creation mask applied during preparation
	DefaultUmask = fs.FileMode(0o007)

	// DefaultSyslogPort is the port used when [logging] syslog_host is set
	// without an explicit syslog_port
	DefaultSyslogPort = 514

	// DefaultStopPollInterval is the liveness poll interval used by Stop when
	// a kill budget is given
	DefaultStopPollInterval = 250 * time.Millisecond

	// DefaultWatchDebounce is the debounce applied to config watch events to
	// coalesce rapid rewrites
	DefaultWatchDebounce = 25 * time.Millisecond

	// DefaultSignalBuffer is the capacity of the signal delivery channel
	DefaultSignalBuffer = 8
)

// File modes
const (
	// PidfileDirMode restricts the pidfile directory to owner and group
	PidfileDirMode = fs.FileMode(0o770)

	// PidfileMode is the mode of the pidfile itself
	PidfileMode = fs.FileMode(0o644)
)

// Exit codes for the control surface, consumed by an external thin CLI
const (
	// ExitOK indicates the requested action completed
	ExitOK = 0

	// ExitStateConflict indicates a daemon-state conflict: the daemon was not
	// running, or was already running
	ExitStateConflict = 1

	// ExitIOFailure indicates an I/O or permission failure
	ExitIOFailure = 2

	// ExitUnexpected indicates any other failure
	ExitUnexpected = 3
)

// Action represents a control action on a daemon instance
type Action int

const (
	// ActionUnknown represents an unrecognized action
	ActionUnknown Action = iota
	// ActionStart daemonizes and runs the process
	ActionStart
	// ActionStop sends the termination signal, optionally escalating to kill
	ActionStop
	// ActionRestart stops the process if running, then starts it
	ActionRestart
	// ActionUpdate sends the reload signal
	ActionUpdate
	// ActionStatus probes liveness through the pidfile
	ActionStatus
	// ActionForeground runs the process without detaching
	ActionForeground
	// ActionKill sends an immediate forceful kill signal
	ActionKill
	// ActionUsr1 delivers the first user-defined signal
	ActionUsr1
	// ActionUsr2 delivers the second user-defined signal
	ActionUsr2
)

// Action string constants
const (
	actionUnknownStr    = "unknown"
	actionStartStr      = "start"
	actionStopStr       = "stop"
	actionRestartStr    = "restart"
	actionUpdateStr     = "update"
	actionStatusStr     = "status"
	actionForegroundStr = "foreground"
	actionKillStr       = "kill"
	actionUsr1Str       = "usr1"
	actionUsr2Str       = "usr2"
)

// String returns the action name as used on the control surface
func (a Action) String() string {
	switch a {
	case ActionStart:
		return actionStartStr
	case ActionStop:
		return actionStopStr
	case ActionRestart:
		return actionRestartStr
	case ActionUpdate:
		return actionUpdateStr
	case ActionStatus:
		return actionStatusStr
	case ActionForeground:
		return actionForegroundStr
	case ActionKill:
		return actionKillStr
	case ActionUsr1:
		return actionUsr1Str
	case ActionUsr2:
		return actionUsr2Str
	default:
		return actionUnknownStr
	}
}
