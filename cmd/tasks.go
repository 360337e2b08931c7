package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/task"
)

// CreateTasksCmd creates the command listing registered tasks.
func CreateTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tasks that daemons and pools can run",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, _ []string) {
			for _, name := range task.Default.Names() {
				fmt.Fprintln(c.OutOrStdout(), name)
			}
		},
	}
}
