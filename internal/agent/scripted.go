package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/teamrun/internal/domain"
)

// Scripted is an offline backend for local runs and tests. Each turn writes
// a notes file for the acting agent and the session reports done after the
// configured number of turns.
type Scripted struct {
	turns int
	cost  float64
}

// NewScripted returns a backend finishing after turns turns (at least one),
// charging cost per turn.
func NewScripted(turns int, cost float64) *Scripted {
	if turns < 1 {
		turns = 1
	}
	if cost < 0 {
		cost = 0
	}
	return &Scripted{turns: turns, cost: cost}
}

// GenerateTurn implements Generator.
func (s *Scripted) GenerateTurn(ctx context.Context, tc TurnContext) (TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}

	msg := fmt.Sprintf("%s (%s) iteration %d: %s", tc.Agent.Name, tc.Agent.Role, tc.Iteration, summarize(tc.Prompt))
	path := "notes/" + slug(tc.Agent.Name) + ".md"

	var notes strings.Builder
	fmt.Fprintf(&notes, "# %s\n\n", tc.Agent.Name)
	for _, m := range tc.History {
		if m.AgentName == tc.Agent.Name {
			fmt.Fprintf(&notes, "- %d: %s\n", m.Iteration, m.Content)
		}
	}
	fmt.Fprintf(&notes, "- %d: %s\n", tc.Iteration, msg)

	return TurnResult{
		Message: msg,
		Cost:    s.cost,
		FileOps: []domain.FileOp{{Operation: domain.OpUpdate, Path: path, Content: notes.String()}},
		Done:    tc.Iteration >= s.turns,
	}, nil
}

func summarize(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	return truncate(prompt, 80)
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "agent"
	}
	return s
}
