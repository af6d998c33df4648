package daemon

import (
	"io"
	"log/slog"
	"log/syslog"
	"net"
	"os"
	"strconv"
)

// LevelCritical sits above slog's built-in error level, for conditions such
// as a supervised process dying unexpectedly
const LevelCritical = slog.Level(12)

// newDaemonLogger builds the daemon's explicit logging handle from the
// [logging] config section: level (critical/error/warning/info/debug), format
// (text or json), and the syslog target. An empty syslog_host selects the
// local syslog socket; when no syslog transport can be reached the logger
// falls back to stderr alone. The level tracks config reloads.
func newDaemonLogger(name string, config *ConfigFile) *slog.Logger {
	level := new(slog.LevelVar)
	setLevel := func(s string) { level.Set(parseLevel(s)) }
	if current, _, err := Watch(config, "logging", "level", "info", AsString, setLevel, nil); err == nil {
		setLevel(current)
	}

	var out io.Writer = os.Stderr
	if w, err := dialSyslog(name, config); err == nil {
		out = io.MultiWriter(os.Stderr, w)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: nameCriticalLevel,
	}

	format, _ := Get(config, "logging", "format", "text", AsString)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler).With("daemon", name)
}

// parseLevel maps a config level name to a slog level, defaulting to info
func parseLevel(s string) slog.Level {
	switch s {
	case "critical":
		return LevelCritical
	case "error":
		return slog.LevelError
	case "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// nameCriticalLevel renders LevelCritical as CRITICAL instead of ERROR+4
func nameCriticalLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}

// dialSyslog opens the configured syslog transport: a remote UDP target when
// syslog_host is set, otherwise the local syslog socket
func dialSyslog(name string, config *ConfigFile) (io.Writer, error) {
	host, err := Get(config, "logging", "syslog_host", "", AsString)
	if err != nil {
		return nil, err
	}

	if host == "" {
		return syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, name)
	}

	port, err := Get(config, "logging", "syslog_port", DefaultSyslogPort, AsInt)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return syslog.Dial("udp", addr, syslog.LOG_DAEMON|syslog.LOG_INFO, name)
}
