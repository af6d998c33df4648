package daemon

import "path/filepath"

// Canonical paths derived from the daemon name. The bases default to /etc,
// /usr, and /var and can be overridden per instance, which the tests rely on.

// RuntimeDir returns the system runtime data path
func (d *Daemon) RuntimeDir() string {
	return filepath.Join(d.DataBase, "run")
}

// StateDir returns the system state data path
func (d *Daemon) StateDir() string {
	return filepath.Join(d.DataBase, "lib")
}

// LockDir returns the system lock file path
func (d *Daemon) LockDir() string {
	return filepath.Join(d.DataBase, "lock")
}

// CacheDir returns the system cache data path
func (d *Daemon) CacheDir() string {
	return filepath.Join(d.DataBase, "cache")
}

// BinDir returns the system executable path
func (d *Daemon) BinDir() string {
	return filepath.Join(d.ReadonlyBase, "bin")
}

// LibDir returns the system architecture-dependent data path
func (d *Daemon) LibDir() string {
	return filepath.Join(d.ReadonlyBase, "lib")
}

// ShareDir returns the system architecture-independent data path
func (d *Daemon) ShareDir() string {
	return filepath.Join(d.ReadonlyBase, "share")
}

// PidfileDir returns the directory holding the pidfile. It is created with
// restricted permissions and chowned to the resolved execution ids before the
// daemon drops privileges, so the dropped process can still manage its pidfile.
func (d *Daemon) PidfileDir() string {
	return filepath.Join(d.RuntimeDir(), d.Name)
}

// PidfilePath returns the pidfile path
func (d *Daemon) PidfilePath() string {
	return filepath.Join(d.PidfileDir(), d.Name+".pid")
}

// LockPath returns the singleton lock file path
func (d *Daemon) LockPath() string {
	return filepath.Join(d.LockDir(), d.Name+".lock")
}

// ConfigPath returns the configuration file path
func (d *Daemon) ConfigPath() string {
	if d.configPath != "" {
		return d.configPath
	}
	return filepath.Join(d.ConfigBase, d.Name+".conf")
}

// ConfigDir returns the daemon's configuration directory path
func (d *Daemon) ConfigDir() string {
	return filepath.Join(d.ConfigBase, d.Name)
}
