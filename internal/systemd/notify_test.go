package systemd

import (
	"errors"
	"testing"
)

func TestNotifierMessages(t *testing.T) {
	var sent []string
	n := &Notifier{send: func(state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}}

	if err := n.Ready(); err != nil {
		t.Fatal(err)
	}
	if err := n.Status("supervising %d daemons", 3); err != nil {
		t.Fatal(err)
	}
	if err := n.Watchdog(); err != nil {
		t.Fatal(err)
	}
	if err := n.Stopping(); err != nil {
		t.Fatal(err)
	}

	want := []string{"READY=1", "STATUS=supervising 3 daemons", "WATCHDOG=1", "STOPPING=1"}
	if len(sent) != len(want) {
		t.Fatalf("sent %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, sent[i], want[i])
		}
	}
}

func TestNotifierErrors(t *testing.T) {
	n := &Notifier{send: func(string) (bool, error) { return false, errors.New("socket closed") }}
	if err := n.Ready(); err == nil {
		t.Error("expected error")
	}

	var nilNotifier *Notifier
	if err := nilNotifier.Ready(); err != nil {
		t.Errorf("nil notifier should be a no-op, got %v", err)
	}
}

func TestWithoutNotifySocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if err := NewNotifier().Ready(); err != nil {
		t.Errorf("Ready without NOTIFY_SOCKET = %v, want nil", err)
	}
	t.Setenv("WATCHDOG_USEC", "")
	if got := WatchdogInterval(); got != 0 {
		t.Errorf("WatchdogInterval() = %v, want 0", got)
	}
}
