package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-task-orchestrator/internal/calendar"
	"market-task-orchestrator/internal/scheduler"
)

func newNextRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next-run <cron>",
		Short: "Print upcoming fire times for a cron expression",
		Long: `Print upcoming fire times for a five-field cron expression, evaluated in
SCHEDULER_TIMEZONE and, with --trading-day-only, deferred past weekends and
HOLIDAYS the same way the scheduler does.`,
		Args: cobra.ExactArgs(1),
		RunE: runNextRun,
	}
	cmd.Flags().Bool("trading-day-only", false, "Defer fire times on closed market days")
	cmd.Flags().Int("count", 5, "Number of fire times to print")
	cmd.Flags().String("from", "", "Start instant in RFC 3339 (default now)")
	return cmd
}

func runNextRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tradingDayOnly, _ := cmd.Flags().GetBool("trading-day-only")
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	cal, err := calendar.NewWeekday(cfg.Holidays)
	if err != nil {
		return err
	}

	from := time.Now()
	if v, _ := cmd.Flags().GetString("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}

	at := from
	for i := 0; i < count; i++ {
		next, err := scheduler.ComputeNextRun(args[0], tradingDayOnly, at, loc, cal)
		if err != nil {
			return err
		}
		if next.IsZero() {
			break
		}
		fmt.Fprintln(cmd.OutOrStdout(), next.Format(time.RFC3339))
		at = next
	}
	return nil
}
