package process

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Table answers liveness questions about OS processes and delivers signals.
// Daemon supervision takes it as a collaborator so tests can fake the OS.
type Table interface {
	IsRunning(pid int) bool
	Kill(pid int, sig syscall.Signal) error
}

// OSTable is the Table backed by the running kernel.
type OSTable struct{}

// IsRunning implements Table.
func (OSTable) IsRunning(pid int) bool {
	return IsRunning(pid)
}

// Kill implements Table.
func (OSTable) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// IsRunning probes pid with signal 0. A process owned by another user
// still counts as running.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SignalGroup delivers sig to the process group led by pid, falling back to
// the single process when the group is gone. ESRCH is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
