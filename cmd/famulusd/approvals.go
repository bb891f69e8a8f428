package main

import (
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernwerk/famulus/internal/approval"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/taskstore"
)

var (
	approvalsSession string
	resolveScope     string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Manage pending approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests for a session",
	RunE:  runApprovalsList,
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve APPROVAL <approved|denied|approved_always>",
	Short: "Answer an approval request",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprovalsResolve,
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsSession, "session", "", "session to list (required)")
	approvalsListCmd.MarkFlagRequired("session")
	approvalsResolveCmd.Flags().StringVar(&resolveScope, "scope", "", "grant scope for approved_always: session, project, global")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsResolveCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func openApprovalStore() (*approval.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := taskstore.Open(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	store, err := approval.New(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openApprovalStore()
	if err != nil {
		return err
	}
	defer closeDB()

	pending, err := store.PendingForSession(approvalsSession)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAction\tRequested\tDescription")
	fmt.Fprintln(w, "--\t------\t---------\t-----------")
	for _, a := range pending {
		desc := a.ActionDescription
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.ID, a.ActionType, a.CreatedAt.Local().Format(time.RFC3339), desc)
	}
	return w.Flush()
}

func runApprovalsResolve(cmd *cobra.Command, args []string) error {
	status := domain.ApprovalStatus(args[1])
	switch status {
	case domain.ApprovalApproved, domain.ApprovalDenied, domain.ApprovalApprovedAlways:
	default:
		return fmt.Errorf("unknown resolution %q: use approved, denied, or approved_always", args[1])
	}

	store, closeDB, err := openApprovalStore()
	if err != nil {
		return err
	}
	defer closeDB()

	resolvedBy := "cli"
	if u, err := user.Current(); err == nil {
		resolvedBy = u.Username
	}

	if err := store.Resolve(args[0], status, domain.GrantScope(resolveScope), resolvedBy); err != nil {
		return err
	}
	fmt.Printf("Approval %s resolved: %s\n", args[0], status)
	return nil
}
