package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/scheduler"
)

var (
	scheduleType     string
	scheduleAt       string
	scheduleInterval time.Duration
	scheduleDays     []string
	scheduleName     string
)

// weekdayNames maps flag values onto the persisted numbering
// (0=Monday .. 6=Sunday).
var weekdayNames = map[string]int{
	"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled downloads",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled triggers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		sched, err := openScheduler()
		if err != nil {
			return err
		}

		views := sched.List()
		if len(views) == 0 {
			fmt.Println("no scheduled triggers")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tENABLED\tNEXT FIRE")
		for _, v := range views {
			next := "-"
			if v.NextFire != nil {
				next = v.NextFire.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				v.Trigger.ID, v.Trigger.Name, v.Trigger.Type, v.Trigger.Enabled, next)
		}
		return w.Flush()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Add a scheduled download",
	Long: `Add a scheduled download of the given URL.

Examples:
  vidtanium schedule add --type daily --at 14:00 http://example.com/show.m3u8
  vidtanium schedule add --type weekly --at 14:00 --days mon,wed http://example.com/show.m3u8
  vidtanium schedule add --type interval --every 6h http://example.com/show.m3u8
  vidtanium schedule add --type once --at "2026-09-01 20:00" http://example.com/show.m3u8`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sched, err := openScheduler()
		if err != nil {
			return err
		}

		trigger, err := buildTrigger(args[0])
		if err != nil {
			return err
		}
		if err := sched.Add(trigger); err != nil {
			return err
		}
		fmt.Printf("added trigger %s\n", trigger.ID)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a scheduled trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		return sched.Remove(args[0])
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a scheduled trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		return sched.SetEnabled(args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a scheduled trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sched, err := openScheduler()
		if err != nil {
			return err
		}
		return sched.SetEnabled(args[0], false)
	},
}

func init() {
	scheduleAddCmd.Flags().StringVar(&scheduleType, "type", "once", "trigger type (once, daily, weekly, interval)")
	scheduleAddCmd.Flags().StringVar(&scheduleAt, "at", "", `fire time: "HH:MM" for daily/weekly, "YYYY-MM-DD HH:MM" for once`)
	scheduleAddCmd.Flags().DurationVar(&scheduleInterval, "every", 0, "repeat interval for interval triggers")
	scheduleAddCmd.Flags().StringSliceVar(&scheduleDays, "days", nil, "weekdays for weekly triggers (mon..sun)")
	scheduleAddCmd.Flags().StringVar(&scheduleName, "name", "", "trigger display name")

	scheduleCmd.AddCommand(scheduleListCmd, scheduleAddCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// openScheduler loads the persisted scheduler state without starting
// the tick loop. Mutations persist immediately; a running daemon picks
// them up on restart.
func openScheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(
		cfg.Storage.TriggersPath(),
		cfg.Scheduler.TickInterval,
		func(context.Context, models.Payload) error { return nil },
		nil, nil, nil,
	)
	if err := sched.Load(); err != nil {
		return nil, err
	}
	return sched, nil
}

// buildTrigger assembles a trigger from the add-command flags.
func buildTrigger(rawURL string) (*models.Trigger, error) {
	payload := models.Payload{Kind: models.PayloadURL, URL: rawURL}
	name := scheduleName
	if name == "" {
		name = rawURL
	}

	now := time.Now()

	switch scheduleType {
	case "once":
		at, err := time.ParseInLocation("2006-01-02 15:04", scheduleAt, time.Local)
		if err != nil {
			return nil, fmt.Errorf(`--at must be "YYYY-MM-DD HH:MM" for one-time triggers`)
		}
		return models.NewTrigger(name, models.TriggerOneTime, payload, at), nil

	case "daily", "weekly":
		tod, err := time.ParseInLocation("15:04", scheduleAt, time.Local)
		if err != nil {
			return nil, fmt.Errorf(`--at must be "HH:MM" for %s triggers`, scheduleType)
		}
		firstRun := time.Date(now.Year(), now.Month(), now.Day(), tod.Hour(), tod.Minute(), 0, 0, time.Local)

		if scheduleType == "daily" {
			return models.NewTrigger(name, models.TriggerDaily, payload, firstRun), nil
		}

		if len(scheduleDays) == 0 {
			return nil, fmt.Errorf("--days is required for weekly triggers")
		}
		trigger := models.NewTrigger(name, models.TriggerWeekly, payload, firstRun)
		for _, d := range scheduleDays {
			num, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", d)
			}
			trigger.Days = append(trigger.Days, num)
		}
		return trigger, nil

	case "interval":
		if scheduleInterval <= 0 {
			return nil, fmt.Errorf("--every is required for interval triggers")
		}
		trigger := models.NewTrigger(name, models.TriggerInterval, payload, now)
		trigger.Interval = int(scheduleInterval.Seconds())
		return trigger, nil

	default:
		return nil, fmt.Errorf("unknown trigger type %q", scheduleType)
	}
}
