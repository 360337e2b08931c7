// Package cmd implements the procvisor command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/version"
)

// NewRootCmd creates the procvisor command tree.
func NewRootCmd() *cobra.Command {
	opts := &Options{}
	return newRootCmd(opts)
}

func newRootCmd(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "procvisor",
		Short:         "Supervise daemons and run tasks in worker processes",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	opts.bindFlags(root)

	root.AddCommand(CreateDaemonCmd(opts))
	root.AddCommand(CreatePoolCmd(opts))
	root.AddCommand(CreateWorkersCmd(opts))
	root.AddCommand(CreateSuperviseCmd(opts))
	root.AddCommand(CreateTasksCmd())
	return root
}
