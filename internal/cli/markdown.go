package cli

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders a diagnosis for the terminal. Without colors the
// source text is returned unchanged.
func RenderMarkdown(md string, width int) string {
	md = strings.TrimSpace(md)
	if md == "" || !ColorsEnabled() {
		return md
	}
	if width < 40 {
		width = 40
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}
