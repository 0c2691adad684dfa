package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/config"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

func newScheduleCmd() *cobra.Command {
	f := &runFlags{}
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the reindex batch on a cron schedule",
		Long:  "Waits for each fire time of the cron expression, then performs a full reindex run with a fresh time budget. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, os.Getenv)
			if err != nil {
				return err
			}
			if err := promptPassword(cmd, cfg); err != nil {
				return err
			}
			return runSchedule(cmd, cfg, cronExpr)
		},
	}

	addRunFlags(cmd, f)
	cmd.Flags().StringVar(&cronExpr, "cron", "0 2 * * *", "5-field cron expression for run start times")
	return cmd
}

func runSchedule(cmd *cobra.Command, cfg *config.Config, cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	for {
		wait := nextCronDuration(cronExpr)
		fmt.Fprintf(out, "Next reindex run in %s\n", wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		// A failed run is reported and the schedule keeps going; the next
		// fire time gets a clean attempt.
		if err := runBatch(cmd, cfg); err != nil {
			fmt.Fprintf(out, "reindex run failed: %v\n", err)
		}
	}
}
