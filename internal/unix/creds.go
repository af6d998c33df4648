//go:build linux || darwin

// Package unix wraps the raw credential and signal syscalls the daemon core
// needs, keeping golang.org/x/sys out of the public package.
package unix

import (
	"errors"
	"fmt"
	"syscall"

	xunix "golang.org/x/sys/unix"
)

// Umask sets the process file mode creation mask and returns the previous one.
func Umask(mask int) int {
	return xunix.Umask(mask)
}

// DropPrivileges permanently lowers process credentials to the given ids.
// The group id is set before the user id: once the user id is dropped the
// process may no longer be permitted to change its group.
func DropPrivileges(uid, gid int) error {
	if err := xunix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := xunix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}

// Kill delivers sig to pid. Signal zero probes liveness without side effect.
func Kill(pid int, sig syscall.Signal) error {
	return xunix.Kill(pid, sig)
}

// IsProcessGone reports whether err means the target process id does not exist.
func IsProcessGone(err error) bool {
	return errors.Is(err, xunix.ESRCH)
}

// IsPermission reports whether err is a permission failure. A liveness probe
// answered with EPERM means the process exists but belongs to someone else.
func IsPermission(err error) bool {
	return errors.Is(err, xunix.EPERM)
}
