package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// SyslogIdentifier tags every journal entry written by this process.
var SyslogIdentifier = "procvisor"

// JournalHandler writes records to the systemd journal. Attribute keys become
// upper-case journal fields joined to their groups with "_", so a daemon_id
// attribute can be queried as DAEMON_ID=<id>.
type JournalHandler struct {
	level  slog.Leveler
	preset journalFields
	groups []string
	send   func(message string, priority journal.Priority, vars map[string]string) error
}

// NewJournalHandler creates a journal handler that drops records below level.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level, send: journal.Send}
}

// Enabled implements slog.Handler.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := journalFields{
		"SYSLOG_IDENTIFIER": SyslogIdentifier,
		"SYSLOG_PID":        strconv.Itoa(os.Getpid()),
	}
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.Function != "" {
			fields["CODE_FUNC"] = frame.Function
			fields["CODE_FILE"] = frame.File
			fields["CODE_LINE"] = strconv.Itoa(frame.Line)
		}
	}
	for k, v := range h.preset {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		fields.add(h.groups, a)
		return true
	})

	if err := h.send(r.Message, priorityFor(r.Level), fields); err != nil {
		return fmt.Errorf("journal send: %w", err)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.preset = make(journalFields, len(h.preset)+len(attrs))
	for k, v := range h.preset {
		next.preset[k] = v
	}
	for _, a := range attrs {
		next.preset.add(h.groups, a)
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func priorityFor(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

type journalFields map[string]string

func (f journalFields) add(groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := strings.ToUpper(strings.Join(append(append([]string(nil), groups...), a.Key), "_"))

	switch a.Value.Kind() {
	case slog.KindGroup:
		nested := append(append([]string(nil), groups...), a.Key)
		if a.Key == "" {
			nested = groups
		}
		for _, ga := range a.Value.Group() {
			f.add(nested, ga)
		}
	case slog.KindTime:
		f[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			f[key] = err.Error()
			return
		}
		f[key] = a.Value.String()
	default:
		f[key] = a.Value.String()
	}
}

// IsJournalAvailable reports whether the journald socket is reachable.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
