package session

import (
	"maps"
	"time"
	"unicode/utf8"
)

// VizType identifies how a visualization payload is rendered.
type VizType string

const (
	VizGraph     VizType = "graph"
	VizTable     VizType = "table"
	VizDocuments VizType = "documents"
)

// Column describes one column of a tabular payload.
type Column struct {
	Name string `json:"name" bson:"name"`
	Type string `json:"type,omitempty" bson:"type,omitempty"`
}

// Citation is a source reference extracted from document-style output.
type Citation struct {
	Index  int    `json:"index" bson:"index"`
	Source string `json:"source" bson:"source"`
}

// VizData is the payload body. Graph and table payloads use Columns, Rows and
// Query; documents payloads use Content, Citations and Agent.
type VizData struct {
	Columns   []Column         `json:"columns,omitempty" bson:"columns,omitempty"`
	Rows      []map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Query     string           `json:"query,omitempty" bson:"query,omitempty"`
	Truncated bool             `json:"truncated,omitempty" bson:"truncated,omitempty"`
	TotalRows int              `json:"total_rows,omitempty" bson:"total_rows,omitempty"`

	Content   string     `json:"content,omitempty" bson:"content,omitempty"`
	Citations []Citation `json:"citations,omitempty" bson:"citations,omitempty"`
	Agent     string     `json:"agent,omitempty" bson:"agent,omitempty"`
}

// Visualization is one structured view of what an agent's query returned.
type Visualization struct {
	Type VizType `json:"type" bson:"type"`
	Data VizData `json:"data" bson:"data"`
}

// Step is one recorded unit of agent activity.
type Step struct {
	Step           int             `json:"step" bson:"step"`
	Agent          string          `json:"agent" bson:"agent"`
	Duration       float64         `json:"duration" bson:"duration"`
	Query          string          `json:"query" bson:"query"`
	Response       string          `json:"response" bson:"response"`
	Error          bool            `json:"error,omitempty" bson:"error,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty" bson:"reasoning,omitempty"`
	IsAction       bool            `json:"is_action,omitempty" bson:"is_action,omitempty"`
	Action         map[string]any  `json:"action,omitempty" bson:"action,omitempty"`
	Visualizations []Visualization `json:"visualizations,omitempty" bson:"visualizations,omitempty"`
}

func (s Step) clone() Step {
	out := s
	if s.Action != nil {
		out.Action = maps.Clone(s.Action)
	}
	if s.Visualizations != nil {
		out.Visualizations = make([]Visualization, len(s.Visualizations))
		for i, v := range s.Visualizations {
			out.Visualizations[i] = v.clone()
		}
	}
	return out
}

func (v Visualization) clone() Visualization {
	out := v
	if v.Data.Columns != nil {
		out.Data.Columns = append([]Column(nil), v.Data.Columns...)
	}
	if v.Data.Rows != nil {
		out.Data.Rows = make([]map[string]any, len(v.Data.Rows))
		for i, r := range v.Data.Rows {
			out.Data.Rows[i] = maps.Clone(r)
		}
	}
	if v.Data.Citations != nil {
		out.Data.Citations = append([]Citation(nil), v.Data.Citations...)
	}
	return out
}

// Document is the persisted shape of a session.
type Document struct {
	ID           string    `json:"id" bson:"id"`
	Scenario     string    `json:"scenario" bson:"scenario"`
	InputText    string    `json:"input_text" bson:"input_text"`
	Status       Status    `json:"status" bson:"status"`
	Steps        []Step    `json:"steps" bson:"steps"`
	Diagnosis    string    `json:"diagnosis" bson:"diagnosis"`
	ErrorMessage string    `json:"error_message,omitempty" bson:"error_message,omitempty"`
	RunMeta      RunMeta   `json:"run_meta" bson:"run_meta"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// Source says where a summary was read from.
type Source string

const (
	SourceMemory Source = "memory"
	SourceStore  Source = "store"
)

// Summary is the listing view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Scenario  string    `json:"scenario"`
	InputText string    `json:"input_text"`
	Status    Status    `json:"status"`
	StepCount int       `json:"step_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    Source    `json:"source"`
}

const summaryPreviewChars = 120

// Summary derives the listing view of a persisted document.
func (d *Document) Summary(src Source) Summary {
	return Summary{
		ID:        d.ID,
		Scenario:  d.Scenario,
		InputText: Truncate(d.InputText, summaryPreviewChars),
		Status:    d.Status,
		StepCount: len(d.Steps),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		Source:    src,
	}
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n == 1 {
		return "…"
	}
	return string(runes[:n-1]) + "…"
}
