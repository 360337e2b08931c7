package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/process"
)

// DaemonConfig describes one supervised daemon in the config file:
//
//	[[daemons]]
//	id = "indexer"
//	command = "/usr/bin/indexer --watch /srv"
//
//	[[daemons]]
//	id = "ticker"
//	task = "sleep"
//	args = ["3600"]
//	close_fds = true
type DaemonConfig struct {
	ID       string   `toml:"id" json:"id"`
	Command  string   `toml:"command,omitempty" json:"command,omitempty"`
	Task     string   `toml:"task,omitempty" json:"task,omitempty"`
	Args     []string `toml:"args,omitempty" json:"args,omitempty"`
	Desc     string   `toml:"desc,omitempty" json:"desc,omitempty"`
	CloseFDs bool     `toml:"close_fds" json:"close_fds"`
	LogID    string   `toml:"log_id,omitempty" json:"log_id,omitempty"`
	Env      []string `toml:"env,omitempty" json:"env,omitempty"`
}

type daemonsFile struct {
	Daemons []DaemonConfig `toml:"daemons"`
}

// LoadDaemons reads the [[daemons]] tables from the config file at path.
// A missing file yields no daemons.
func LoadDaemons(path string) ([]DaemonConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read daemons config: %w", err)
	}

	var file daemonsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse daemons config: %w", err)
	}

	seen := make(map[string]bool, len(file.Daemons))
	for i, dc := range file.Daemons {
		if err := dc.Validate(); err != nil {
			return nil, fmt.Errorf("daemons[%d]: %w", i, err)
		}
		if seen[dc.ID] {
			return nil, fmt.Errorf("daemons[%d]: duplicate id %q", i, dc.ID)
		}
		seen[dc.ID] = true
	}
	return file.Daemons, nil
}

// FindDaemon returns the daemon with the given id.
func FindDaemon(daemons []DaemonConfig, id string) (DaemonConfig, bool) {
	for _, dc := range daemons {
		if dc.ID == id {
			return dc, true
		}
	}
	return DaemonConfig{}, false
}

// Validate checks that exactly one of command and task is set.
func (dc DaemonConfig) Validate() error {
	if dc.ID == "" {
		return errors.New("daemon id cannot be empty")
	}
	switch {
	case dc.Command == "" && dc.Task == "":
		return fmt.Errorf("daemon %s: one of command or task is required", dc.ID)
	case dc.Command != "" && dc.Task != "":
		return fmt.Errorf("daemon %s: command and task are mutually exclusive", dc.ID)
	}
	return nil
}

// Build creates the daemon. opts carry the process-wide settings such as
// the PID directory.
func (dc DaemonConfig) Build(opts ...daemon.Option) (*daemon.Daemon, error) {
	if err := dc.Validate(); err != nil {
		return nil, err
	}
	all := append([]daemon.Option(nil), opts...)
	all = append(all, daemon.WithCloseFDs(dc.CloseFDs))
	if dc.Desc != "" {
		all = append(all, daemon.WithDesc(dc.Desc))
	}
	if len(dc.Env) > 0 {
		all = append(all, daemon.WithEnv(dc.Env...))
	}

	if dc.Task != "" {
		if dc.LogID != "" {
			all = append(all, daemon.WithLogIdentifier(dc.LogID))
		}
		return daemon.NewFunc(dc.ID, dc.Task, dc.Args, all...)
	}

	argv, err := process.ParseCommand(dc.Command)
	if err != nil {
		return nil, fmt.Errorf("daemon %s: %w", dc.ID, err)
	}
	argv = append(argv, dc.Args...)
	return daemon.New(dc.ID, argv, all...)
}
