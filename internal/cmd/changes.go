package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/teamrun/internal/domain"
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	Aliases: []string{"change"},
	Short:   "Review pending file changes",
	Long: `Review the changes agents and users have proposed for a project.

Changes that were not auto-applied wait here until someone applies or
rejects them. A change flagged with a conflict is only applied with
--override.`,
}

var changesListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List pending changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesList,
}

var changesApplyCmd = &cobra.Command{
	Use:   "apply <project-id> <change-id>...",
	Short: "Apply pending changes",
	Args:  cobra.MinimumNArgs(2),
	RunE:  changesResolve(domain.DecisionApply),
}

var changesRejectCmd = &cobra.Command{
	Use:   "reject <project-id> <change-id>...",
	Short: "Reject pending changes",
	Args:  cobra.MinimumNArgs(2),
	RunE:  changesResolve(domain.DecisionReject),
}

var changesAuditCmd = &cobra.Command{
	Use:   "audit <project-id>",
	Short: "Show resolved changes, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runChangesAudit,
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.AddCommand(changesListCmd)
	changesCmd.AddCommand(changesApplyCmd)
	changesCmd.AddCommand(changesRejectCmd)
	changesCmd.AddCommand(changesAuditCmd)

	changesApplyCmd.Flags().Bool("override", false, "apply even when the change is flagged as conflicting")
	changesAuditCmd.Flags().Int("limit", 50, "maximum entries to show")
}

func runChangesList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	changes, err := c.ListChanges(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, changes)
	}
	if len(changes) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No pending changes."))
		return nil
	}
	for _, ch := range changes {
		printChange(out, ch)
	}
	return nil
}

func printChange(w io.Writer, ch domain.PendingChange) {
	line := fmt.Sprintf("%s  %-6s %s", ch.ID, ch.Operation, ch.Path)
	meta := mutedStyle.Render(fmt.Sprintf("  %s, %s", ch.Source, ch.Timestamp.Local().Format(time.Kitchen)))
	fmt.Fprintln(w, line+meta)
	if ch.Conflict != nil {
		msg := "  conflict: " + string(ch.Conflict.Reason)
		if len(ch.Conflict.ConflictingIDs) > 0 {
			msg += fmt.Sprintf(" with %v", ch.Conflict.ConflictingIDs)
		}
		fmt.Fprintln(w, warningStyle.Render(msg))
	}
}

func changesResolve(decision domain.Decision) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		override := false
		if decision == domain.DecisionApply {
			override, _ = cmd.Flags().GetBool("override")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		items, err := c.ResolveChanges(cmd.Context(), args[0], args[1:], decision, override)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if wantJSON() {
			return printJSON(out, items)
		}
		failed := 0
		for _, it := range items {
			if it.Error != nil {
				failed++
				fmt.Fprintf(out, "%s  %s\n", it.ChangeID, errorStyle.Render(it.Error.Code+": "+it.Error.Message))
				continue
			}
			fmt.Fprintf(out, "%s  %s\n", it.ChangeID, it.Decision)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d changes could not be resolved", failed, len(items))
		}
		return nil
	}
}

func runChangesAudit(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	c, err := newClient()
	if err != nil {
		return err
	}
	entries, err := c.Audit(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, entries)
	}
	for _, e := range entries {
		decision := string(e.Decision)
		if e.Overridden {
			decision += " (override)"
		}
		fmt.Fprintf(out, "%s  %-18s %-6s %s", mutedStyle.Render(e.At.Local().Format(time.DateTime)), decision, e.Operation, e.Path)
		if e.Reason != "" {
			fmt.Fprint(out, mutedStyle.Render("  "+e.Reason))
		}
		fmt.Fprintln(out)
	}
	return nil
}
