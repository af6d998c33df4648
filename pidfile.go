package daemon

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"

	"github.com/axondata/go-daemon/internal/unix"
)

// PidRecord binds a pidfile path to the decimal process id stored in it.
// Existence of the file and liveness of the recorded process are distinct
// facts: Read answers the former, Alive the latter.
type PidRecord struct {
	// Path is the pidfile location
	Path string
}

// Write atomically records pid in the pidfile
func (r *PidRecord) Write(pid int) error {
	data := strconv.AppendInt(nil, int64(pid), 10)
	if err := renameio.WriteFile(r.Path, data, PidfileMode); err != nil {
		return &OpError{Action: ActionStart, Path: r.Path, Err: err}
	}
	return nil
}

// Read returns the recorded process id. A missing pidfile is ErrNotRunning;
// content that is not a decimal integer is ErrPidfileFormat.
func (r *PidRecord) Read() (int, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, &OpError{Action: ActionStatus, Path: r.Path, Err: err}
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrPidfileFormat
	}
	return pid, nil
}

// Remove deletes the pidfile
func (r *PidRecord) Remove() error {
	return os.Remove(r.Path)
}

// Alive probes the recorded process with signal zero. It reports false when
// the pidfile is missing, unreadable, unparsable, or names a dead process.
// EPERM counts as alive: the process exists but is owned by someone else.
func (r *PidRecord) Alive() bool {
	pid, err := r.Read()
	if err != nil {
		return false
	}

	err = unix.Kill(pid, syscall.Signal(0))
	return err == nil || unix.IsPermission(err)
}
