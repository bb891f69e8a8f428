package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/taskstore"
)

var (
	tasksStatus  string
	tasksAgent   string
	tasksChannel string
	tasksSession string
	tasksLimit   int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect delegated tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delegated tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show TASK",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel TASK",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	tasksListCmd.Flags().StringVar(&tasksAgent, "agent", "", "filter by agent")
	tasksListCmd.Flags().StringVar(&tasksChannel, "channel", "", "filter by origin channel")
	tasksListCmd.Flags().StringVar(&tasksSession, "session", "", "filter by session")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum rows")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	rootCmd.AddCommand(tasksCmd)
}

func openTaskStore() (*taskstore.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := taskstore.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	store, err := taskstore.New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openTaskStore()
	if err != nil {
		return err
	}
	defer closeDB()

	tasks, err := store.ListTasks(taskstore.ListOptions{
		Status:        domain.TaskStatus(tasksStatus),
		Agent:         domain.Agent(tasksAgent),
		OriginChannel: tasksChannel,
		SessionID:     tasksSession,
		Limit:         tasksLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAgent\tStatus\tNotify\tCreated\tInput")
	fmt.Fprintln(w, "--\t-----\t------\t------\t-------\t-----")
	for _, t := range tasks {
		input := t.Input
		if len(input) > 40 {
			input = input[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Agent, t.Status, t.NotifyStatus,
			t.CreatedAt.Local().Format(time.RFC3339), input)
	}
	return w.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openTaskStore()
	if err != nil {
		return err
	}
	defer closeDB()

	t, err := store.GetTask(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Agent:    %s\n", t.Agent)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Origin:   %s (session %s)\n", t.OriginChannel, t.SessionID)
	fmt.Printf("Notify:   %s (attempts %d/%d)\n", t.NotifyStatus, t.NotifyAttempts, t.MaxAttempts)
	fmt.Printf("Created:  %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", t.FinishedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("\nInput:\n%s\n", t.Input)
	if t.Output != "" {
		fmt.Printf("\nOutput:\n%s\n", t.Output)
	}
	if t.Error != "" {
		fmt.Printf("\nError:\n%s\n", t.Error)
	}
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openTaskStore()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.CancelTask(args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}
