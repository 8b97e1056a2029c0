package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/drewfead/triage/internal/session"
)

// Glyphs
const (
	CheckMark  = "✓"
	Cross      = "✗"
	Bullet     = "●"
	Circle     = "○"
	Arrow      = "→"
	Ellipsis   = "…"
	TreeBranch = "├─"
	TreeLast   = "└─"
	RuleChar   = "─"
)

// StatusIcon returns a colored glyph for a session status.
func StatusIcon(s session.Status) string {
	switch s {
	case session.StatusActive:
		return render(lipgloss.NewStyle().Foreground(ColorActive), Bullet)
	case session.StatusCompleted:
		return render(lipgloss.NewStyle().Foreground(ColorCompleted), CheckMark)
	case session.StatusCancelled:
		return render(lipgloss.NewStyle().Foreground(ColorCancelled), Circle)
	case session.StatusFailed:
		return render(lipgloss.NewStyle().Foreground(ColorFailed), Cross)
	default:
		return "?"
	}
}

// StatusText colors a status name the way StatusIcon does.
func StatusText(s session.Status) string {
	c := ColorMuted
	switch s {
	case session.StatusActive:
		c = ColorActive
	case session.StatusCompleted:
		c = ColorCompleted
	case session.StatusCancelled:
		c = ColorCancelled
	case session.StatusFailed:
		c = ColorFailed
	}
	return render(lipgloss.NewStyle().Foreground(c), string(s))
}

// Rule draws a horizontal line, optionally with a title.
func Rule(title string, width int) string {
	if width <= 0 {
		width = 60
	}
	if title == "" {
		return Muted(strings.Repeat(RuleChar, width))
	}
	n := width - lipgloss.Width(title) - 4
	if n < 2 {
		n = 2
	}
	return Muted(RuleChar+RuleChar) + " " + Bold(title) + " " + Muted(strings.Repeat(RuleChar, n))
}
