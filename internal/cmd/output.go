package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Iron-Ham/teamrun/internal/client"
	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
)

var (
	primaryColor   = lipgloss.Color("#A78BFA") // Purple
	secondaryColor = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#F87171") // Red
	mutedColor     = lipgloss.Color("#9CA3AF") // Gray
	blueColor      = lipgloss.Color("#60A5FA") // Blue

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
)

// statusStyle colors a session status the way the dashboard does.
func statusStyle(s domain.Status) lipgloss.Style {
	st := lipgloss.NewStyle().Bold(true)
	switch s {
	case domain.StatusRunning:
		return st.Foreground(secondaryColor)
	case domain.StatusPaused:
		return st.Foreground(blueColor)
	case domain.StatusCompleted:
		return st.Foreground(primaryColor)
	case domain.StatusFailed:
		return st.Foreground(errorColor)
	default:
		return st.Foreground(mutedColor)
	}
}

// eventStyle colors an event type by family.
func eventStyle(t event.Type) lipgloss.Style {
	switch t {
	case event.AgentReasoning:
		return lipgloss.NewStyle().Foreground(primaryColor)
	case event.SessionUpdate:
		return lipgloss.NewStyle().Foreground(blueColor)
	case event.BudgetWarning, event.ChangesPending:
		return warningStyle
	case event.BuildFailed:
		return errorStyle
	case event.FileCreated, event.FileUpdated, event.FileDeleted, event.BuildCompleted, event.PreviewReady:
		return lipgloss.NewStyle().Foreground(secondaryColor)
	default:
		return mutedStyle
	}
}

// newClient builds an API client from configuration and global flags.
func newClient() (*client.Client, error) {
	cfg := config.Get()
	return client.New(cfg.Server.URL,
		client.WithToken(cfg.Server.AuthToken),
		client.WithUserID(viper.GetString("client.user")))
}

func wantJSON() bool {
	return viper.GetBool("output.json")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// field prints an aligned "label value" line.
func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label), value)
}

// terminalWidth returns the width of stdout, or 0 when it is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func formatCost(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}
