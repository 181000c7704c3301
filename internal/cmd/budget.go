package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var budgetCmd = &cobra.Command{
	Use:   "budget <team-id>",
	Short: "Show a team's budget",
	Long: `Show a team's spend against its budget.

Reserved is spend admitted for agent turns that have not finished yet;
new turns are admitted only against what remains after reservations.`,
	Args: cobra.ExactArgs(1),
	RunE: runBudget,
}

var rateCmd = &cobra.Command{
	Use:   "rate [route]",
	Short: "Show your request rate window",
	Long: `Show how many requests you have left in the current window for a
route pattern, e.g. /api/sessions. Without an argument the default window
is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRate,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(rateCmd)
}

func runBudget(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	b, err := c.TeamBudget(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, b)
	}
	field(out, "Team", b.TeamID)
	if !b.Configured {
		field(out, "Used", formatCost(b.Used))
		field(out, "Limit", mutedStyle.Render("uncapped"))
		return nil
	}
	field(out, "Used", budgetSummary(b.Used, b.Limit))
	field(out, "Reserved", formatCost(b.Reserved))
	field(out, "Remaining", formatCost(b.Remaining))
	return nil
}

func runRate(cmd *cobra.Command, args []string) error {
	endpoint := ""
	if len(args) == 1 {
		endpoint = args[0]
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	rs, err := c.RateStatus(cmd.Context(), endpoint)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, rs)
	}
	if rs.Endpoint != "" {
		field(out, "Route", rs.Endpoint)
	}
	field(out, "Window", rs.Window)
	used := fmt.Sprintf("%d / %d", rs.Used, rs.MaxRequests)
	if rs.Remaining == 0 {
		used = errorStyle.Render(used)
	}
	field(out, "Used", used)
	if rs.ResetIn > 0 {
		field(out, "Resets in", rs.ResetIn.Round(time.Second))
	}
	return nil
}
