package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PID returns the process id of the daemon: the one this Daemon started,
// else the one recorded in the PID file. ok is false when neither is known.
func (d *Daemon) PID() (pid int, ok bool) {
	d.mu.Lock()
	cached := d.pid
	d.mu.Unlock()
	if cached > 0 {
		return cached, true
	}
	return d.readPIDFile()
}

func (d *Daemon) readPIDFile() (pid int, ok bool) {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("Failed to read PID file", "path", d.pidFile, "error", err)
		}
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		d.logger.Warn("PID file holds no valid pid", "path", d.pidFile, "content", strings.TrimSpace(string(data)))
		return 0, false
	}
	return pid, true
}

// Running reports whether the PID file names a live process.
func (d *Daemon) Running() bool {
	pid, ok := d.PID()
	return ok && d.table.IsRunning(pid)
}

// DeletePIDFile removes the PID file. A missing file is not an error and
// other failures are logged.
func (d *Daemon) DeletePIDFile() {
	if err := os.Remove(d.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn(fmt.Sprintf("Failed to remove file: %s", d.pidFile), "error", err)
	}
}

func (d *Daemon) writePIDFile(pid int) error {
	tmp := d.pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	if err := os.Rename(tmp, d.pidFile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// ensurePIDDir creates the PID directory world-writable so daemons started
// by different users can share it, and hands it to the configured group.
func (d *Daemon) ensurePIDDir() error {
	dir := filepath.Dir(d.pidFile)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	// MkdirAll is subject to the umask.
	if err := os.Chmod(dir, 0o777); err != nil {
		return fmt.Errorf("chmod PID directory: %w", err)
	}
	if d.pidGroup != "" {
		if err := d.chown(dir, d.pidGroup); err != nil {
			d.logger.Warn("Failed to set PID directory group", "dir", dir, "group", d.pidGroup, "error", err)
		}
	}
	return nil
}
