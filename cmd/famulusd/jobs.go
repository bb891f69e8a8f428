package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fernwerk/famulus/internal/chronos"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/taskstore"
)

var (
	jobName     string
	jobType     string
	jobTimezone string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE:  runJobsList,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add SCHEDULE PROMPT",
	Short: "Add a scheduled job",
	Long: `Add a scheduled job. SCHEDULE is a 5-field cron expression, an interval
("every 30 minutes"), or a one-shot time ("tomorrow at 9am") depending on
--type.`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsAdd,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm JOB",
	Short: "Delete a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable JOB",
	Short: "Enable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(args[0], true) },
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable JOB",
	Short: "Disable a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(args[0], false) },
}

var jobsExecutionsCmd = &cobra.Command{
	Use:   "executions JOB",
	Short: "Show recent runs of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsExecutions,
}

var jobsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import jobs from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsImport,
}

func init() {
	jobsAddCmd.Flags().StringVar(&jobName, "name", "", "job name (defaults to the prompt)")
	jobsAddCmd.Flags().StringVar(&jobType, "type", "cron", "schedule type: once, cron, interval")
	jobsAddCmd.Flags().StringVar(&jobTimezone, "tz", "", "timezone (defaults to config)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsRmCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsDisableCmd)
	jobsCmd.AddCommand(jobsExecutionsCmd)
	jobsCmd.AddCommand(jobsImportCmd)
	rootCmd.AddCommand(jobsCmd)
}

func openJobStore() (*sql.DB, *chronos.Store, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, "", err
	}
	db, err := taskstore.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, "", err
	}
	store, err := chronos.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, "", err
	}
	return db, store, cfg.General.Timezone, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	db, store, _, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := store.ListJobs()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tName\tSchedule\tNext Run\tEnabled")
	fmt.Fprintln(w, "--\t----\t--------\t--------\t-------")
	for _, j := range jobs {
		schedule := j.ScheduleExpression
		if j.CronNormalized != "" && j.CronNormalized != j.ScheduleExpression {
			schedule = fmt.Sprintf("%s (%s)", j.ScheduleExpression, j.CronNormalized)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			j.ID, j.Name, schedule, j.NextRunAt.Local().Format(time.RFC3339), j.Enabled)
	}
	return w.Flush()
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	db, store, defaultTZ, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()

	name := jobName
	if name == "" {
		name = args[1]
	}
	tz := jobTimezone
	if tz == "" {
		tz = defaultTZ
	}

	job, err := store.CreateJob(chronos.JobParams{
		Name:               name,
		ScheduleType:       domain.ScheduleType(jobType),
		ScheduleExpression: args[0],
		Timezone:           tz,
		Prompt:             args[1],
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created job %s, next run %s\n", job.ID, job.NextRunAt.Local().Format(time.RFC3339))
	return nil
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	db, store, _, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return store.DeleteJob(args[0])
}

func setJobEnabled(id string, enabled bool) error {
	db, store, _, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return store.SetEnabled(id, enabled)
}

func runJobsExecutions(cmd *cobra.Command, args []string) error {
	db, store, _, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()

	execs, err := store.Executions(args[0], 20)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Started\tStatus\tDetail")
	fmt.Fprintln(w, "-------\t------\t------")
	for _, e := range execs {
		detail := e.Output
		if e.Status == domain.ExecFailed {
			detail = e.Error
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.StartedAt.Local().Format(time.RFC3339), e.Status, detail)
	}
	return w.Flush()
}

// jobImport is one entry of the YAML import file.
type jobImport struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone,omitempty"`
	Prompt   string `yaml:"prompt"`
}

func runJobsImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var entries []jobImport
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}

	db, store, defaultTZ, err := openJobStore()
	if err != nil {
		return err
	}
	defer db.Close()

	for _, e := range entries {
		tz := e.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		job, err := store.CreateJob(chronos.JobParams{
			Name:               e.Name,
			ScheduleType:       domain.ScheduleType(e.Type),
			ScheduleExpression: e.Schedule,
			Timezone:           tz,
			Prompt:             e.Prompt,
		})
		if err != nil {
			return fmt.Errorf("job %q: %w", e.Name, err)
		}
		fmt.Printf("Imported %s (%s)\n", e.Name, job.ID)
	}
	return nil
}
