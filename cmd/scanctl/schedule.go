// Package cli provides command-line interface commands for the Scanorama network scanner.
// This package implements the Cobra-based CLI structure with commands for scanning,
// discovery, host management, scheduling, and daemon operations.
package scanctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bryankemp/network-scanner/internal/db"
)

const (
	scheduleArgsCount       = 3  // required args for add: name, cron, network-range
	scheduleSeparatorLength = 85 // characters for schedule list separator
	scheduleDetailSeparator = 50 // characters for schedule detail separator
	maxJobNameLength        = 20 // max name length before truncation
)

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring scan schedules",
	Long: `Manage recurring scan schedules using cron expressions.
You can add, list, show, and remove schedules that run automatically
at specified intervals.`,
	Example: `  scanorama schedule list
  scanorama schedule add "weekly-sweep" "0 2 * * 0" "10.0.0.0/8"
  scanorama schedule show "weekly-sweep"
  scanorama schedule remove "weekly-sweep"`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	Long:  "Display every configured schedule with its cron expression and next/last run times.",
	RunE:  runScheduleList,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add [name] [cron] [network-range]",
	Short: "Add a recurring schedule",
	Long: `Add a new schedule that runs a scan at the given cron interval against
the given network range. The cron expression follows standard cron format
(minute hour day month weekday).`,
	Example: `  scanorama schedule add "weekly-sweep" "0 2 * * 0" "10.0.0.0/8"
  scanorama schedule add "daily-local" "0 1 * * *" "192.168.0.0/16"`,
	Args: cobra.ExactArgs(scheduleArgsCount),
	RunE: runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Short:   "Remove a schedule",
	Long:    "Remove a schedule by name. It will no longer run automatically.",
	Example: `  scanorama schedule remove "weekly-sweep"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleRemove,
}

var scheduleShowCmd = &cobra.Command{
	Use:     "show [name]",
	Short:   "Show details of a schedule",
	Long:    "Display detailed information about a specific schedule.",
	Example: `  scanorama schedule show "weekly-sweep"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleShow,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleShowCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withConnectedDatabase(func(ctx context.Context, database *db.DB) error {
		schedules, err := db.NewScheduleRepository(database).List(ctx)
		if err != nil {
			return fmt.Errorf("listing schedules: %w", err)
		}
		displaySchedules(schedules)
		return nil
	})
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	name, cronExpr, network := args[0], args[1], args[2]

	if err := validateCronExpression(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	return withConnectedDatabase(func(ctx context.Context, database *db.DB) error {
		schedule := &db.Schedule{
			Name:           name,
			CronExpression: cronExpr,
			NetworkRange:   network,
			Enabled:        true,
		}
		if err := db.NewScheduleRepository(database).Create(ctx, schedule); err != nil {
			return fmt.Errorf("creating schedule: %w", err)
		}

		fmt.Printf("Created schedule %q (%s)\n", name, schedule.ID)
		fmt.Printf("Cron: %s\n", cronExpr)
		fmt.Printf("Network range: %s\n", network)
		return nil
	})
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withConnectedDatabase(func(ctx context.Context, database *db.DB) error {
		repo := db.NewScheduleRepository(database)
		schedule, err := findScheduleByName(ctx, repo, name)
		if err != nil {
			return err
		}
		if err := repo.Delete(ctx, schedule.ID); err != nil {
			return fmt.Errorf("removing schedule %q: %w", name, err)
		}
		fmt.Printf("Successfully removed schedule %q\n", name)
		return nil
	})
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withConnectedDatabase(func(ctx context.Context, database *db.DB) error {
		repo := db.NewScheduleRepository(database)
		schedule, err := findScheduleByName(ctx, repo, name)
		if err != nil {
			return err
		}
		displayScheduleDetails(schedule)
		return nil
	})
}

func findScheduleByName(ctx context.Context, repo *db.ScheduleRepository, name string) (*db.Schedule, error) {
	schedules, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	for _, s := range schedules {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("schedule %q not found", name)
}

func displaySchedules(schedules []*db.Schedule) {
	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return
	}

	fmt.Printf("Found %d schedule(s):\n\n", len(schedules))
	fmt.Printf("%-20s %-15s %-25s %-8s\n", "Name", "Cron", "Network Range", "Enabled")
	fmt.Println(strings.Repeat("-", scheduleSeparatorLength))

	for _, s := range schedules {
		enabledStr := "No"
		if s.Enabled {
			enabledStr = "Yes"
		}
		fmt.Printf("%-20s %-15s %-25s %-8s\n",
			truncateString(s.Name, maxJobNameLength), s.CronExpression, s.NetworkRange, enabledStr)
	}
}

func displayScheduleDetails(schedule *db.Schedule) {
	fmt.Printf("Schedule Details: %s\n", schedule.Name)
	fmt.Println(strings.Repeat("=", scheduleDetailSeparator))
	fmt.Printf("ID: %s\n", schedule.ID)
	fmt.Printf("Cron: %s\n", schedule.CronExpression)
	fmt.Printf("Network range: %s\n", schedule.NetworkRange)
	fmt.Printf("Enabled: %t\n", schedule.Enabled)
	fmt.Printf("Created: %s\n", schedule.CreatedAt.Format("2006-01-02 15:04:05"))
	if schedule.LastRunAt != nil {
		fmt.Printf("Last run: %s\n", schedule.LastRunAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("Last run: never")
	}
	if schedule.NextRunAt != nil {
		fmt.Printf("Next run: %s\n", schedule.NextRunAt.Format("2006-01-02 15:04:05"))
	}
}

func validateCronExpression(cronExpr string) error {
	_, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return err
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// withConnectedDatabase loads config, connects to the database, and runs
// operation, closing the connection afterward regardless of outcome.
func withConnectedDatabase(operation func(ctx context.Context, database *db.DB) error) error {
	return withDatabase(func(database *db.DB) error {
		return operation(context.Background(), database)
	})
}
