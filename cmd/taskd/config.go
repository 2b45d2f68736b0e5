package main

import (
	"github.com/spf13/cobra"

	"market-task-orchestrator/internal/config"
)

// loadConfig honours --config, falling back to TASKD_CONFIG.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
