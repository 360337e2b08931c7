package task

import (
	"encoding/json"
	"fmt"
	"os"
)

// Invocation names a registered task and its arguments so a re-executed
// child process can find and run it.
type Invocation struct {
	Name string
	Args []string
}

// Env returns the environment entries carrying inv under prefix, e.g.
// PREFIX_TASK and PREFIX_ARGS.
func (inv Invocation) Env(prefix string) ([]string, error) {
	args := inv.Args
	if args == nil {
		args = []string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode task args: %w", err)
	}
	return []string{
		prefix + "_TASK=" + inv.Name,
		prefix + "_ARGS=" + string(encoded),
	}, nil
}

// FromEnv reads an invocation published with Env. ok is false when the
// process was not started to run a task under prefix.
func FromEnv(prefix string) (inv Invocation, ok bool, err error) {
	name := os.Getenv(prefix + "_TASK")
	if name == "" {
		return Invocation{}, false, nil
	}
	inv.Name = name
	if raw := os.Getenv(prefix + "_ARGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inv.Args); err != nil {
			return inv, true, fmt.Errorf("decode %s_ARGS: %w", prefix, err)
		}
	}
	return inv, true, nil
}
