package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"market-task-orchestrator/internal/calendar"
	"market-task-orchestrator/internal/scheduler"
	"market-task-orchestrator/internal/worker"
)

func newJobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job catalogue",
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the job catalogue",
		Args:  cobra.NoArgs,
		RunE:  runJobsValidate,
	}
	validate.Flags().String("file", "", "Catalogue file (default $JOBS_FILE)")
	jobs.AddCommand(validate)
	return jobs
}

func runJobsValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = cfg.JobsFile
	}
	catalog, err := scheduler.LoadCatalog(path)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("scheduler timezone: %w", err)
	}
	cal, err := calendar.NewWeekday(cfg.Holidays)
	if err != nil {
		return err
	}

	// Only the codes matter here; the built-ins are never invoked.
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry, worker.Deps{})

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCRON\tTRADING DAY\tSTATUS\tWORKER\tNEXT RUN")
	for _, def := range catalog.All() {
		next := "-"
		if t, err := scheduler.ComputeNextRun(def.CronExpression, def.TradingDayOnly, now, loc, cal); err == nil && !t.IsZero() {
			next = t.Format(time.RFC3339)
		}
		wk := "builtin"
		if _, ok := registry.Lookup(def.ID); !ok {
			wk = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", def.ID, def.CronExpression, def.TradingDayOnly, def.Status, wk, next)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs OK\n", path, len(catalog.All()))
	return nil
}
