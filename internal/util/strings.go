// Package util holds small text helpers for terminal output.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// OneLine collapses runs of whitespace, newlines included, into single
// spaces so multi-line agent output fits on one row.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateANSI cuts s to maxWidth terminal columns, ending in "..." when
// anything was dropped. Escape sequences and wide characters are measured
// by their rendered width.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}
