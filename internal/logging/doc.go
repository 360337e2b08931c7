// Package logging provides per-module slog loggers for the supervisor, its
// daemons and its pool workers.
//
// Every logger returned by [GetLogger] carries a module attribute and its own
// level, which falls back to the global level:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"daemon": "debug", "pool": "warn"},
//	})
//
//	log := logging.GetLogger("daemon").With("daemon_id", id)
//	log.Info("Started daemon", "pid", pid)
//
// Records go to the console writer (stdout unless Config.Output is set) when
// it is usable, and to the systemd journal when journald is reachable. With
// both present a [MultiHandler] feeds each of them. Pool workers set Output
// to stderr because their stdout carries the pool protocol, and daemons
// started with closed stdio log to the journal only.
//
// Journal entries are tagged SYSLOG_IDENTIFIER=procvisor and attribute keys
// become upper-case fields:
//
//	journalctl -t procvisor MODULE=daemon DAEMON_ID=test-daemon7
//	journalctl -t procvisor -p err --since "5m"
//
// In the config file, level and format are global and every other key of
// the [logging] table names a module:
//
//	[logging]
//	level = "info"
//	format = "json"
//	daemon = "debug"
//	coordinator = "error"
//
// Calling [Initialize] again, as the supervisor's config watcher does,
// re-levels loggers that were already handed out.
package logging
