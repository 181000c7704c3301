package util

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

func TestOneLine(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"  leading and trailing  ", "leading and trailing"},
		{"line one\nline two\n\n\tthree", "line one line two three"},
	}
	for _, tt := range tests {
		if got := OneLine(tt.in); got != tt.want {
			t.Errorf("OneLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateANSI(t *testing.T) {
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	tests := []struct {
		name     string
		input    string
		maxWidth int
		want     string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact fit", "hello", 5, "hello"},
		{"plain cut", "hello world", 8, "hello..."},
		{"tiny width", "hello", 3, "..."},
		{"zero width", "hello", 0, "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateANSI(tt.input, tt.maxWidth); got != tt.want {
				t.Errorf("TruncateANSI(%q, %d) = %q, want %q", tt.input, tt.maxWidth, got, tt.want)
			}
		})
	}

	t.Run("styled text", func(t *testing.T) {
		styled := red.Render("session completed with a long trailing note")
		got := TruncateANSI(styled, 12)
		if w := lipgloss.Width(got); w > 12 {
			t.Errorf("width = %d, want <= 12", w)
		}
		if !strings.HasSuffix(ansi.Strip(got), "...") {
			t.Errorf("TruncateANSI(styled) = %q, want trailing ellipsis", got)
		}
	})

	t.Run("wide runes", func(t *testing.T) {
		got := TruncateANSI("日本語のテキストです", 9)
		if w := lipgloss.Width(got); w > 9 {
			t.Errorf("width = %d, want <= 9", w)
		}
	})
}
