package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/coordinator"
	"github.com/smazurov/procvisor/internal/logging"
)

// CreateWorkersCmd creates commands that read and write the shared
// workers-exit flag.
func CreateWorkersCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect or raise the shared workers-exit flag",
	}

	var clearFlag bool
	exitCmd := &cobra.Command{
		Use:   "exit",
		Short: "Ask cooperating workers to exit",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			coord := coordinator.New(store, coordinator.WithLogger(logging.GetLogger("coordinator")))
			if err := coord.SetWorkersExit(c.Context(), !clearFlag); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s = %t\n", coordinator.WorkersExitKey, !clearFlag)
			return nil
		},
	}
	exitCmd.Flags().BoolVar(&clearFlag, "clear", false, "Clear the flag instead of raising it")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the workers-exit flag",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := coordinator.New(store).ShouldWorkersExit(c.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%s = %t\n", coordinator.WorkersExitKey, v)
			return nil
		},
	}

	cmd.AddCommand(exitCmd, statusCmd)
	return cmd
}
