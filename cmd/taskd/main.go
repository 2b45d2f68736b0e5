package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskd",
		Short:         "Market task orchestrator",
		Long:          "taskd runs scheduled market data jobs, tracks their progress in Redis and serves an HTTP control surface.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Config file layered under environment variables (default $TASKD_CONFIG)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newNextRunCmd())
	root.AddCommand(newJobsCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskd:", err)
		os.Exit(1)
	}
}
