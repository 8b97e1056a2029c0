// Package cli renders daemon output for the triage command line.
package cli

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Palette
var (
	ColorMuted     = lipgloss.Color("#565f89")
	ColorActive    = lipgloss.Color("#7aa2f7")
	ColorCompleted = lipgloss.Color("#9ece6a")
	ColorCancelled = lipgloss.Color("#e0af68")
	ColorFailed    = lipgloss.Color("#f7768e")
	ColorAgent     = lipgloss.Color("#bb9af7")
)

var (
	colorsMu      sync.Mutex
	colorsEnabled *bool
)

// ColorsEnabled reports whether stdout is a terminal and NO_COLOR is unset.
// The answer is cached.
func ColorsEnabled() bool {
	colorsMu.Lock()
	defer colorsMu.Unlock()
	if colorsEnabled == nil {
		enabled := term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
		colorsEnabled = &enabled
	}
	return *colorsEnabled
}

// ForceColors overrides terminal detection.
func ForceColors(enabled bool) {
	colorsMu.Lock()
	colorsEnabled = &enabled
	colorsMu.Unlock()
}

// TermWidth returns the stdout width, or fallback when it is unknown.
func TermWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

func render(s lipgloss.Style, text string) string {
	if !ColorsEnabled() {
		return text
	}
	return s.Render(text)
}

var (
	styleBold  = lipgloss.NewStyle().Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(ColorMuted)
	styleAgent = lipgloss.NewStyle().Foreground(ColorAgent).Bold(true)
	styleError = lipgloss.NewStyle().Foreground(ColorFailed).Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(ColorCompleted).Bold(true)
)

func Bold(text string) string { return render(styleBold, text) }
func Muted(text string) string { return render(styleMuted, text) }
func Agent(text string) string { return render(styleAgent, text) }
func Bad(text string) string { return render(styleError, text) }
func Good(text string) string { return render(styleOK, text) }
