package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/teamrun/internal/client"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/util"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Watch the live event stream",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail <project-id>",
	Short: "Print a project's events as they happen",
	Long: `Subscribe to a project's events and print them until interrupted.

The stream reconnects on its own if the server restarts or the connection
drops. Events published while disconnected are not replayed.`,
	Args: cobra.ExactArgs(1),
	RunE: runEventsTail,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
	eventsTailCmd.Flags().String("session", "", "only this session's events")
	eventsTailCmd.Flags().Int("max-retries", client.DefaultMaxRetries, "give up after this many reconnect attempts (-1 retries forever)")
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	sessionID, _ := cmd.Flags().GetString("session")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	c, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	stream, err := c.Stream(cmd.Context(), client.StreamOptions{
		ProjectID:  args[0],
		SessionID:  sessionID,
		MaxRetries: maxRetries,
		OnReconnect: func(attempts int) {
			fmt.Fprintln(errOut, warningStyle.Render(fmt.Sprintf("reconnected after %d attempt(s)", attempts)))
		},
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	width := terminalWidth()
	for f := range stream.Events() {
		if wantJSON() {
			if err := printJSON(out, f); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, formatFrame(f, width))
	}
	if err := stream.Err(); err != nil && !errors.Is(err, cmd.Context().Err()) {
		return err
	}
	return nil
}

// formatFrame renders one event as a single line, truncated to width when
// width is positive.
func formatFrame(f client.Frame, width int) string {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s %s %s",
		mutedStyle.Render(ts.Local().Format(time.TimeOnly)),
		eventStyle(f.Type).Render(fmt.Sprintf("%-16s", f.Type)),
		describeFrame(f))
	if width > 0 {
		return util.TruncateANSI(line, width)
	}
	return line
}

func describeFrame(f client.Frame) string {
	switch f.Type {
	case event.AgentReasoning:
		var p event.ReasoningPayload
		if f.Decode(&p) == nil {
			content := util.OneLine(p.Content)
			return fmt.Sprintf("#%d %s (%s) %s: %s", p.Iteration, p.AgentName, p.AgentRole, formatCost(p.Cost), content)
		}
	case event.SessionUpdate:
		var p event.SessionPayload
		if f.Decode(&p) == nil {
			s := p.Status
			if p.PreviousStatus != "" {
				s = p.PreviousStatus + " -> " + p.Status
			}
			s += fmt.Sprintf(" iter %d %s", p.CurrentIteration, formatCost(p.TotalCost))
			if p.Reason != "" {
				s += " (" + p.Reason + ")"
			}
			if p.Error != "" {
				s += " " + errorStyle.Render(p.Error)
			}
			return s
		}
	case event.BudgetWarning:
		var p event.BudgetPayload
		if f.Decode(&p) == nil {
			return fmt.Sprintf("team %s spent %s of %s (over by %s)",
				p.TeamID, formatCost(p.BudgetUsed), formatCost(p.BudgetLimit), formatCost(p.Overshoot))
		}
	case event.ChangesPending, event.ChangeProposed, event.ChangeResolved:
		var p event.ChangesPayload
		if f.Decode(&p) == nil {
			s := strings.Join(p.ChangeIDs, ", ")
			if p.Decision != "" {
				s = p.Decision + " " + s
			}
			if p.Conflict {
				s += " " + warningStyle.Render("conflict")
			}
			if p.Reason != "" {
				s += " (" + p.Reason + ")"
			}
			return s
		}
	case event.FileCreated, event.FileUpdated, event.FileDeleted:
		var p event.FilePayload
		if f.Decode(&p) == nil {
			s := p.Path
			if p.External {
				s += mutedStyle.Render(" (external)")
			} else if p.Source != "" {
				s += mutedStyle.Render(" (" + p.Source + ")")
			}
			return s
		}
	case event.BuildStarted, event.BuildCompleted, event.BuildFailed, event.PreviewReady, event.PreviewStopped:
		var p event.BuildPayload
		if f.Decode(&p) == nil {
			s := p.Status
			if p.URL != "" {
				s += " " + p.URL
			}
			if p.Error != "" {
				s += " " + errorStyle.Render(p.Error)
			}
			return s
		}
	}
	if f.SessionID != "" {
		return "session " + f.SessionID
	}
	return ""
}
