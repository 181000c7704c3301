package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/teamrun/internal/client"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Start and control team sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <prompt>",
	Short: "Start a session",
	Long: `Start a session in which the team's enabled agents take turns on the
prompt until they finish, the budget runs out or the session is stopped.

With --follow the command streams the session's events and exits when the
session reaches a terminal state.`,
	Example: `  teamrun session start --team 3f2c... --project site "Add a contact page"
  teamrun session start --team 3f2c... --project site --follow "Fix the footer"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessionStart,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show one session, or list sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionStatus,
}

var sessionMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "Show the agent messages of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionMessages,
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionControl((*client.Client).PauseSession),
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionControl((*client.Client).ResumeSession),
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session",
	Args:  cobra.ExactArgs(1),
	RunE:  sessionControl((*client.Client).StopSession),
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionMessagesCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionStopCmd)

	sessionStartCmd.Flags().String("team", "", "team id (required)")
	sessionStartCmd.Flags().String("project", "", "project id (required)")
	sessionStartCmd.Flags().BoolP("follow", "F", false, "stream events until the session ends")
	_ = sessionStartCmd.MarkFlagRequired("team")
	_ = sessionStartCmd.MarkFlagRequired("project")

	sessionStatusCmd.Flags().String("project", "", "list only this project's sessions")
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	teamID, _ := cmd.Flags().GetString("team")
	projectID, _ := cmd.Flags().GetString("project")
	follow, _ := cmd.Flags().GetBool("follow")
	prompt := strings.Join(args, " ")

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sess, err := c.StartSession(ctx, teamID, projectID, prompt)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !follow {
		if wantJSON() {
			return printJSON(out, sess)
		}
		fmt.Fprintf(out, "Started session %s\n", sess.ID)
		return nil
	}

	fmt.Fprintf(out, "Started session %s, following...\n", sess.ID)
	stream, err := c.Stream(ctx, client.StreamOptions{ProjectID: projectID, SessionID: sess.ID})
	if err != nil {
		return err
	}
	defer stream.Close()

	// The session may have finished before the stream subscribed.
	if cur, err := c.GetSession(ctx, sess.ID); err == nil && cur.Status.IsTerminal() {
		printSession(out, cur)
		return nil
	}

	width := terminalWidth()
	for f := range stream.Events() {
		fmt.Fprintln(out, formatFrame(f, width))
		if f.Type != event.SessionUpdate {
			continue
		}
		var p event.SessionPayload
		if err := f.Decode(&p); err == nil && domain.Status(p.Status).IsTerminal() {
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		sess, err := c.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if wantJSON() {
			return printJSON(out, sess)
		}
		printSession(out, sess)
		return nil
	}

	projectID, _ := cmd.Flags().GetString("project")
	sessions, err := c.ListSessions(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(out, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No sessions."))
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(out, "%s  %-10s %-12s iter %-3d %s\n",
			s.ID, s.ProjectID, statusStyle(s.Status).Render(string(s.Status)),
			s.CurrentIteration, formatCost(s.TotalCost))
	}
	return nil
}

func printSession(w io.Writer, s *domain.Session) {
	fmt.Fprintln(w, titleStyle.Render("Session "+s.ID))
	field(w, "Status", statusStyle(s.Status).Render(string(s.Status)))
	field(w, "Team", s.TeamID)
	field(w, "Project", s.ProjectID)
	field(w, "Iteration", s.CurrentIteration)
	field(w, "Cost", formatCost(s.TotalCost))
	field(w, "Started", s.CreatedAt.Local().Format(time.DateTime))
	if s.EndedAt != nil {
		field(w, "Ended", s.EndedAt.Local().Format(time.DateTime))
	}
	if s.Reason != "" {
		field(w, "Reason", s.Reason)
	}
	if s.LastError != "" {
		field(w, "Error", errorStyle.Render(s.LastError))
	}
}

func runSessionMessages(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	msgs, err := c.SessionMessages(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON() {
		return printJSON(out, msgs)
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "%s %s %s\n",
			mutedStyle.Render(fmt.Sprintf("#%d", m.Iteration)),
			titleStyle.Render(m.AgentName),
			mutedStyle.Render(fmt.Sprintf("(%s, %s)", m.AgentRole, formatCost(m.Cost))))
		fmt.Fprintln(out, m.Content)
		fmt.Fprintln(out)
	}
	return nil
}

// sessionControl adapts a client control method to a command.
func sessionControl(fn func(*client.Client, context.Context, string) (*domain.Session, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sess, err := fn(c, cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if wantJSON() {
			return printJSON(cmd.OutOrStdout(), sess)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", sess.ID, statusStyle(sess.Status).Render(string(sess.Status)))
		return nil
	}
}
