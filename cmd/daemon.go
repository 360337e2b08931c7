package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/events"
)

// CreateDaemonCmd creates the daemon command group.
func CreateDaemonCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start, stop and inspect configured daemons",
	}
	cmd.AddCommand(
		daemonActionCmd(opts, "start", "Start a configured daemon", func(c *cobra.Command, d *daemon.Daemon) error {
			if err := d.Start(c.Context()); err != nil {
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					pid, _ := d.PID()
					fmt.Fprintf(c.OutOrStdout(), "Daemon %s already running (pid %d)\n", d.ID(), pid)
					return nil
				}
				return err
			}
			pid, _ := d.PID()
			fmt.Fprintf(c.OutOrStdout(), "Daemon %s started (pid %d)\n", d.ID(), pid)
			return nil
		}),
		daemonActionCmd(opts, "stop", "Stop a running daemon", func(c *cobra.Command, d *daemon.Daemon) error {
			if err := d.Stop(c.Context()); err != nil {
				return err
			}
			if d.Running() {
				return fmt.Errorf("daemon %s is still running", d.ID())
			}
			fmt.Fprintf(c.OutOrStdout(), "Daemon %s stopped\n", d.ID())
			return nil
		}),
		daemonActionCmd(opts, "restart", "Restart a daemon", func(c *cobra.Command, d *daemon.Daemon) error {
			if err := d.Restart(c.Context()); err != nil {
				return err
			}
			pid, _ := d.PID()
			fmt.Fprintf(c.OutOrStdout(), "Daemon %s restarted (pid %d)\n", d.ID(), pid)
			return nil
		}),
		daemonStatusCmd(opts),
	)
	return cmd
}

func daemonActionCmd(opts *Options, use, short string, run func(*cobra.Command, *daemon.Daemon) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			d, err := opts.findDaemon(args[0], events.New())
			if err != nil {
				return err
			}
			return run(c, d)
		},
	}
}

func daemonStatusCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id...]",
		Short: "Show the state of configured daemons",
		RunE: func(c *cobra.Command, args []string) error {
			daemons, err := opts.loadDaemons(nil)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				byID := make(map[string]*daemon.Daemon, len(daemons))
				for _, d := range daemons {
					byID[d.ID()] = d
				}
				selected := make([]*daemon.Daemon, 0, len(args))
				for _, id := range args {
					d, ok := byID[id]
					if !ok {
						return fmt.Errorf("daemon %q is not configured in %s", id, opts.Config)
					}
					selected = append(selected, d)
				}
				daemons = selected
			}
			out := c.OutOrStdout()
			if len(daemons) == 0 {
				fmt.Fprintln(out, "No daemons configured")
				return nil
			}
			fmt.Fprintln(out, renderDaemonTable(daemons, isTerminal(out)))
			return nil
		},
	}
}

func renderDaemonTable(daemons []*daemon.Daemon, styled bool) string {
	rows := make([][]string, 0, len(daemons))
	for _, d := range daemons {
		st := d.Status()
		state := "stopped"
		pid := "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
			if st.Running {
				state = "running"
			} else {
				state = "stale"
			}
		}
		rows = append(rows, []string{st.ID, state, pid, st.Desc, st.PIDFile})
	}
	return renderTable(
		[]string{"ID", "STATE", "PID", "DESCRIPTION", "PID FILE"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		styled,
	)
}
