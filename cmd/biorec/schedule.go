package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/config"
	"github.com/srg/biorec/internal/schedule"
	"github.com/srg/biorec/internal/store"
)

// scheduleCmd represents the schedule command
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Preview schedule due times and backfill",
	Long: `Print the next due time of every schedule in --config, and the occurrences
that would be backfilled as missed if the daemon started at --now.

Without a database (or with --offline) the preview assumes no recording has
ever been stored.`,
	RunE: runSchedule,
}

var (
	scheduleConfigPath string
	scheduleNow        string
	scheduleOffline    bool
)

func init() {
	scheduleCmd.Flags().StringVar(&scheduleConfigPath, "config", "biorec.yaml", "Configuration file")
	scheduleCmd.Flags().StringVar(&scheduleNow, "now", "", "Evaluate at this RFC3339 time instead of the current time")
	scheduleCmd.Flags().BoolVar(&scheduleOffline, "offline", false, "Do not read the result history from the database")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	now := time.Now()
	if scheduleNow != "" {
		t, err := time.Parse(time.RFC3339, scheduleNow)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
		now = t
	}

	cfg, err := config.Load(scheduleConfigPath)
	if err != nil {
		return err
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	var history store.Store = store.NewMemoryStore()
	if cfg.Database.DSN != "" && !scheduleOffline {
		if history, err = store.NewPostgresStore(cmd.Context(), cfg.Database.DSN); err != nil {
			return err
		}
	}
	defer history.Close()

	return printSchedule(cmd.Context(), cmd.OutOrStdout(), defs, history, now)
}

func printSchedule(ctx context.Context, out io.Writer, defs []schedule.Definition, history store.Store, now time.Time) error {
	if len(defs) == 0 {
		fmt.Fprintln(out, "No schedules configured")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCHEDULE\tDEVICE\tEVERY\tFOR\tLAST RECORD\tNEXT DUE\tMISSED")
	type preview struct {
		id     string
		missed []time.Time
	}
	var previews []preview
	for _, d := range defs {
		last, ok, err := history.LastRecordTime(ctx, d.ID)
		if err != nil {
			return err
		}
		lastCol := "-"
		if ok {
			lastCol = last.Format(time.RFC3339)
		} else {
			last = time.Time{}
		}

		nextCol := color.YellowString("never")
		if next, ok := schedule.NextDue(d, now); ok {
			nextCol = next.Format(time.RFC3339)
		} else if !d.Planned() {
			nextCol = color.YellowString("unplanned")
		}

		every := "once"
		if d.Interval > 0 {
			every = d.Interval.String()
		}

		missed := schedule.BackfillMissed(d, now, last)
		missedCol := "0"
		if len(missed) > 0 {
			missedCol = color.RedString("%d", len(missed))
			p := preview{id: d.ID}
			for _, r := range missed {
				p.missed = append(p.missed, r.Start)
			}
			previews = append(previews, p)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Device.ID, every, d.Duration, lastCol, nextCol, missedCol)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, p := range previews {
		fmt.Fprintf(out, "\n%s would backfill:\n", p.id)
		for _, t := range p.missed {
			fmt.Fprintf(out, "  %s\n", t.Format(time.RFC3339))
		}
	}
	return nil
}
