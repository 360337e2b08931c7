// Package process starts, signals and reaps child processes.
//
// Each child leads its own process group, so Signal and Stop reach anything
// it forks. Stop sends SIGTERM, waits out a grace period and then sends
// SIGKILL. Standard streams are either logged line by line, inherited,
// discarded, or handed to the caller as pipes (the pool protocol runs over
// StdioPipe).
//
// The liveness helpers probe arbitrary PIDs with signal 0 and are exposed
// through the Table interface for callers that supervise processes they did
// not start themselves, such as daemons found through a PID file.
//
//	p := process.NewProcess("sleeper", []string{"sleep", "30"}, logger)
//	if err := p.Start(); err != nil {
//		return err
//	}
//	defer p.Stop(5 * time.Second)
package process
