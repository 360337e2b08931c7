package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is the subset of *slog.Logger that components depend on. Passing
// nil where a Logger is accepted disables logging for that component.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`

	// Output replaces stdout as the console destination. Pool worker
	// processes log to stderr because stdout carries their protocol.
	Output io.Writer `toml:"-"`
}

type module struct {
	level  *slog.LevelVar
	logger *slog.Logger
}

// registry owns the module loggers. Level vars outlive Initialize calls so a
// logger handed out earlier follows later level changes.
type registry struct {
	mu      sync.RWMutex
	cfg     Config
	ready   bool
	root    *slog.LevelVar
	modules map[string]*module
}

func newRegistry() *registry {
	return &registry{root: new(slog.LevelVar), modules: make(map[string]*module)}
}

var (
	std     = newRegistry()
	discard = slog.New(slog.DiscardHandler)
)

// Initialize applies config to every module logger and the slog default.
// It may be called again, for example on a config file reload.
func Initialize(config Config) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.cfg = config
	std.ready = true
	base := levelOr(config.Level, slog.LevelInfo)
	std.root.Set(base)

	for name, m := range std.modules {
		m.level.Set(levelOr(config.Modules[name], base))
		m.logger = slog.New(buildHandler(config, m.level)).With("module", name)
	}
	slog.SetDefault(slog.New(buildHandler(config, std.root)))
}

// GetLogger returns the logger for module, tagged with module=<name>.
// Before Initialize it logs text at info level to stdout.
func GetLogger(name string) *slog.Logger {
	std.mu.RLock()
	m, ok := std.modules[name]
	std.mu.RUnlock()
	if ok {
		return m.logger
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if m, ok := std.modules[name]; ok {
		return m.logger
	}

	cfg := Config{Format: "text"}
	level := new(slog.LevelVar)
	if std.ready {
		cfg = std.cfg
		level.Set(levelOr(cfg.Modules[name], levelOr(cfg.Level, slog.LevelInfo)))
	}
	m = &module{level: level, logger: slog.New(buildHandler(cfg, level)).With("module", name)}
	std.modules[name] = m
	return m.logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return discard
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return discard
	}
	return l
}

// buildHandler routes records to the console writer when one is usable and
// to the journal when journald is reachable.
func buildHandler(cfg Config, level slog.Leveler) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		console = slog.NewJSONHandler(out, opts)
	} else {
		console = slog.NewTextHandler(out, opts)
	}

	var sinks []slog.Handler
	if cfg.Output != nil || stdoutUsable() {
		sinks = append(sinks, console)
	}
	if IsJournalAvailable() {
		sinks = append(sinks, NewJournalHandler(level))
	}
	switch len(sinks) {
	case 0:
		return console
	case 1:
		return sinks[0]
	default:
		return NewMultiHandler(sinks...)
	}
}

// stdoutUsable reports whether stdout is a terminal, pipe, socket or file.
// A daemon started with its stdio closed has none of these.
func stdoutUsable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode.IsRegular() || mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0
}

// parseLevel reads a level name, case-insensitively.
func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

func levelOr(s string, fallback slog.Level) slog.Level {
	if l, ok := parseLevel(s); ok {
		return l
	}
	return fallback
}
