package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/teamrun/internal/api"
	"github.com/Iron-Ham/teamrun/internal/domain"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Manage agent teams",
}

var teamCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a team",
	Long: `Create a team from flags or a YAML file.

A team file looks like:

  name: docs
  owner: alice
  budget_limit: 5.00
  agents:
    - name: Planner
      role: planner
    - name: Writer
      role: coder
      adaptive_roles: [reviewer]
    - name: Idle
      role: tester
      enabled: false

Agents are enabled unless the file says otherwise. With flags, repeat
--agent as name:role.`,
	Example: `  teamrun team create -f team.yaml
  teamrun team create --name docs --budget 5 --agent Planner:planner --agent Writer:coder`,
	RunE: runTeamCreate,
}

var teamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List teams",
	RunE:  runTeamList,
}

var teamGetCmd = &cobra.Command{
	Use:   "get <team-id>",
	Short: "Show a team and its budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamGet,
}

var teamDeleteCmd = &cobra.Command{
	Use:   "delete <team-id>",
	Short: "Delete a team",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeamDelete,
}

func init() {
	rootCmd.AddCommand(teamCmd)
	teamCmd.AddCommand(teamCreateCmd)
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamGetCmd)
	teamCmd.AddCommand(teamDeleteCmd)

	teamCreateCmd.Flags().StringP("file", "f", "", "YAML team definition")
	teamCreateCmd.Flags().String("name", "", "team name")
	teamCreateCmd.Flags().String("owner", "", "team owner (defaults to --user)")
	teamCreateCmd.Flags().Float64("budget", 0, "budget limit in dollars; 0 leaves the team uncapped")
	teamCreateCmd.Flags().StringArray("agent", nil, "agent as name:role (repeatable)")

	teamListCmd.Flags().String("owner", "", "only teams owned by this user")
}

type teamFile struct {
	Owner       string      `yaml:"owner"`
	Name        string      `yaml:"name"`
	BudgetLimit float64     `yaml:"budget_limit"`
	Inactive    bool        `yaml:"inactive"`
	Agents      []agentFile `yaml:"agents"`
}

type agentFile struct {
	Name          string        `yaml:"name"`
	Role          domain.Role   `yaml:"role"`
	Enabled       *bool         `yaml:"enabled"`
	AdaptiveRoles []domain.Role `yaml:"adaptive_roles"`
}

// parseTeamFile reads a YAML team definition.
func parseTeamFile(r io.Reader) (api.TeamRequest, error) {
	var f teamFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return api.TeamRequest{}, fmt.Errorf("invalid team file: %w", err)
	}
	req := api.TeamRequest{
		Owner:       f.Owner,
		Name:        f.Name,
		BudgetLimit: f.BudgetLimit,
	}
	if f.Inactive {
		active := false
		req.IsActive = &active
	}
	for _, a := range f.Agents {
		req.Agents = append(req.Agents, domain.Agent{
			Name:          a.Name,
			Role:          a.Role,
			Enabled:       a.Enabled == nil || *a.Enabled,
			AdaptiveRoles: a.AdaptiveRoles,
		})
	}
	return req, nil
}

// parseAgentFlag parses "name:role".
func parseAgentFlag(s string) (domain.Agent, error) {
	name, role, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return domain.Agent{}, fmt.Errorf("invalid --agent %q: expected name:role", s)
	}
	r := domain.Role(strings.ToLower(strings.TrimSpace(role)))
	if !r.IsValid() {
		return domain.Agent{}, fmt.Errorf("invalid --agent %q: unknown role %q", s, role)
	}
	return domain.Agent{Name: name, Role: r, Enabled: true}, nil
}

func teamRequestFromFlags(cmd *cobra.Command) (api.TeamRequest, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return api.TeamRequest{}, err
		}
		defer f.Close()
		return parseTeamFile(f)
	}

	var req api.TeamRequest
	req.Name, _ = cmd.Flags().GetString("name")
	req.Owner, _ = cmd.Flags().GetString("owner")
	req.BudgetLimit, _ = cmd.Flags().GetFloat64("budget")
	specs, _ := cmd.Flags().GetStringArray("agent")
	for _, s := range specs {
		a, err := parseAgentFlag(s)
		if err != nil {
			return api.TeamRequest{}, err
		}
		req.Agents = append(req.Agents, a)
	}
	return req, nil
}

func runTeamCreate(cmd *cobra.Command, args []string) error {
	req, err := teamRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	if req.Owner == "" {
		req.Owner = viper.GetString("client.user")
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	team, err := c.CreateTeam(cmd.Context(), req)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(cmd.OutOrStdout(), team)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created team %s (%s)\n", titleStyle.Render(team.Name), team.ID)
	return nil
}

func runTeamList(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	c, err := newClient()
	if err != nil {
		return err
	}
	teams, err := c.ListTeams(cmd.Context(), owner)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, teams)
	}
	if len(teams) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No teams."))
		return nil
	}
	for _, t := range teams {
		fmt.Fprintf(out, "%s  %-20s %s\n", t.ID, t.Name, budgetSummary(t.BudgetUsed, t.BudgetLimit))
	}
	return nil
}

func budgetSummary(used, limit float64) string {
	if limit <= 0 {
		return mutedStyle.Render(formatCost(used) + " used, uncapped")
	}
	s := fmt.Sprintf("%s / %s", formatCost(used), formatCost(limit))
	if used >= limit {
		return errorStyle.Render(s)
	}
	if used >= 0.8*limit {
		return warningStyle.Render(s)
	}
	return s
}

func runTeamGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	team, err := c.GetTeam(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	budget, err := c.TeamBudget(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, map[string]any{"team": team, "budget": budget})
	}

	fmt.Fprintln(out, titleStyle.Render(team.Name))
	field(out, "ID", team.ID)
	field(out, "Owner", team.Owner)
	field(out, "Active", team.IsActive)
	field(out, "Budget", budgetSummary(budget.Used, budget.Limit))
	if budget.Reserved > 0 {
		field(out, "Reserved", formatCost(budget.Reserved))
	}
	fmt.Fprintln(out)
	for _, a := range team.Agents {
		line := fmt.Sprintf("  %-16s %s", a.Name, a.Role)
		if !a.Enabled {
			line = mutedStyle.Render(line + " (disabled)")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runTeamDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.DeleteTeam(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted team %s\n", args[0])
	return nil
}
