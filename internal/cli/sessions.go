package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/drewfead/triage/internal/session"
)

// WriteSummaries prints one line per session, newest first as given.
func WriteSummaries(w io.Writer, sums []session.Summary) error {
	if len(sums) == 0 {
		_, err := fmt.Fprintln(w, Muted("no sessions"))
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tSTATUS\tSTEPS\tSCENARIO\tUPDATED\tINPUT")
	for _, s := range sums {
		scenario := s.Scenario
		if scenario == "" {
			scenario = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			StatusIcon(s.Status), s.ID, s.Status, s.StepCount, scenario,
			age(s.UpdatedAt), session.Truncate(oneLine(s.InputText), 60))
	}
	return tw.Flush()
}

// WriteDocument prints a full session with its steps and diagnosis.
func WriteDocument(w io.Writer, doc *session.Document, src session.Source, width int) error {
	fmt.Fprintln(w, Rule("session "+doc.ID, width))
	fmt.Fprintf(w, "%s %s  %s\n", StatusIcon(doc.Status), StatusText(doc.Status), Muted("from "+string(src)))
	if doc.Scenario != "" {
		fmt.Fprintf(w, "%s %s\n", Muted("scenario"), doc.Scenario)
	}
	fmt.Fprintf(w, "%s %s\n", Muted("created "), doc.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "%s %s\n\n", Muted("input   "), doc.InputText)

	for i, st := range doc.Steps {
		branch := TreeBranch
		if i == len(doc.Steps)-1 {
			branch = TreeLast
		}
		mark := Good(CheckMark)
		if st.Error {
			mark = Bad(Cross)
		}
		kind := ""
		if st.IsAction {
			kind = " " + Muted("action "+actionName(st.Action))
		}
		fmt.Fprintf(w, "%s %s %d %s %s%s\n", Muted(branch), mark, st.Step, Agent(st.Agent), Muted(fmt.Sprintf("%.1fs", st.Duration)), kind)
		for _, v := range st.Visualizations {
			fmt.Fprintf(w, "     %s\n", Muted(VizSummary(v)))
		}
	}

	m := doc.RunMeta
	fmt.Fprintf(w, "\n%s\n", Muted(fmt.Sprintf("%d steps, %d attempts, %.1fs, %d tokens", m.Steps, m.Attempts, m.ElapsedSeconds, m.TotalTokens)))
	if doc.ErrorMessage != "" {
		fmt.Fprintf(w, "%s %s\n", Bad("error"), doc.ErrorMessage)
	}
	if doc.Diagnosis != "" {
		fmt.Fprintf(w, "\n%s\n", RenderMarkdown(doc.Diagnosis, width))
	}
	return nil
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format(time.DateOnly)
	}
}
