package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/session"
)

// Printer writes a live investigation as it streams.
type Printer struct {
	w       io.Writer
	width   int
	verbose bool

	// Diagnosis is the last message text seen.
	Diagnosis string
	// Terminal is the run's final event once it has arrived.
	Terminal  *bridge.Event
}

// NewPrinter creates a printer. Verbose adds agent responses and reasoning.
func NewPrinter(w io.Writer, width int, verbose bool) *Printer {
	return &Printer{w: w, width: width, verbose: verbose}
}

// Event renders one event.
func (p *Printer) Event(ev bridge.Event) error {
	switch pl := ev.Payload.(type) {
	case *bridge.RunStartPayload:
		title := "investigation " + pl.SessionID
		if pl.Scenario != "" {
			title += " (" + pl.Scenario + ")"
		}
		p.line(Rule(title, p.width))
	case *bridge.StepThinkingPayload:
		if p.verbose && pl.Reasoning != "" {
			p.line(Muted(fmt.Sprintf("  %s %s", Ellipsis, session.Truncate(oneLine(pl.Reasoning), p.textWidth()))))
		}
	case *bridge.StepStartPayload:
		p.line(fmt.Sprintf("%s step %d %s", Muted(TreeBranch), pl.Step, Agent(pl.Agent)))
	case *bridge.StepCompletePayload:
		p.stepComplete(pl)
	case *bridge.ActionExecutedPayload:
		p.line(fmt.Sprintf("%s step %d %s executed %s", Muted(TreeBranch), pl.Step, Agent(pl.Agent), actionName(pl.Action)))
	case *bridge.MessagePayload:
		p.Diagnosis = pl.Text
		p.line("")
		p.line(RenderMarkdown(pl.Text, p.width))
	case *bridge.RunCompletePayload:
		p.Terminal = &ev
		p.line("")
		p.line(Good(CheckMark+" complete") + Muted(fmt.Sprintf("  %d steps, %.1fs, %d tokens", pl.StepCount, pl.TotalDuration, pl.TotalTokens)))
	case *bridge.ErrorPayload:
		p.Terminal = &ev
		label := Cross + " failed"
		if pl.Code == bridge.CodeCancelled {
			label = Circle + " cancelled"
		}
		p.line("")
		p.line(Bad(label) + " " + pl.Message)
	default:
		if p.verbose {
			p.line(Muted(fmt.Sprintf("  (%s)", ev.Type)))
		}
	}
	return nil
}

func (p *Printer) stepComplete(pl *bridge.StepCompletePayload) {
	mark := Good(CheckMark)
	if pl.Error {
		mark = Bad(Cross)
	}
	head := fmt.Sprintf("%s %s %s %s", Muted(TreeLast), mark, Agent(pl.Agent), Muted(fmt.Sprintf("%.1fs", pl.Duration)))
	p.line(head)
	if pl.Query != "" {
		p.line("     " + Muted("query ") + session.Truncate(oneLine(pl.Query), p.textWidth()))
	}
	for _, v := range pl.Visualizations {
		p.line("     " + Muted(VizSummary(v)))
	}
	if p.verbose && pl.Response != "" {
		p.line("     " + session.Truncate(oneLine(pl.Response), p.textWidth()))
	}
}

func (p *Printer) textWidth() int {
	if p.width <= 10 {
		return 100
	}
	return p.width - 10
}

func (p *Printer) line(s string) {
	fmt.Fprintln(p.w, s)
}

// VizSummary describes a visualization in one line.
func VizSummary(v session.Visualization) string {
	switch v.Type {
	case session.VizTable, session.VizGraph:
		names := make([]string, len(v.Data.Columns))
		for i, c := range v.Data.Columns {
			names[i] = c.Name
		}
		rows := fmt.Sprintf("%d rows", len(v.Data.Rows))
		if v.Data.Truncated {
			rows = fmt.Sprintf("%d of %d rows", len(v.Data.Rows), v.Data.TotalRows)
		}
		return fmt.Sprintf("%s: %s [%s]", v.Type, rows, strings.Join(names, ", "))
	case session.VizDocuments:
		return fmt.Sprintf("documents: %d citations", len(v.Data.Citations))
	default:
		return string(v.Type)
	}
}

func actionName(a map[string]any) string {
	if name, ok := a["action"].(string); ok && name != "" {
		return name
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "action {" + strings.Join(keys, ", ") + "}"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
