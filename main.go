package main

import (
	"context"
	"fmt"
	"os"

	"github.com/smazurov/procvisor/cmd"
)

func main() {
	// Worker and daemon children re-execute this binary; they never reach cobra.
	if handled, code := cmd.RunChild(context.Background(), os.Stdin, os.Stdout, os.Stderr); handled {
		os.Exit(code)
	}

	if err := cmd.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
