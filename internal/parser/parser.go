// Package parser extracts structured visualization payloads from the free-form
// text returned by specialist agents.
//
// Agents are prompted to report each underlying query as
//
//	---QUERY---
//	<query text>
//	---RESULTS---
//	<structured results>
//
// repeated any number of times, optionally followed by
//
//	---ANALYSIS---
//	<prose summary>
//
// Every block is extracted. A block that cannot be decoded is dropped on its
// own and never takes its siblings with it.
package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/drewfead/triage/internal/session"
)

// Options configure a Parser. Zero values select defaults.
type Options struct {
	SummaryMaxChars int
	MaxRows         int
	// DocumentAgents answer from a document corpus rather than a query engine.
	DocumentAgents []string
	// VizTypes maps agent name to the payload type of its query results.
	VizTypes map[string]string
}

const (
	defaultSummaryMaxChars = 2000
	defaultMaxRows         = 500
)

// Parser turns raw agent output into a summary and visualization payloads.
// It holds no mutable state and is safe for concurrent use.
type Parser struct {
	summaryMax int
	maxRows    int
	docAgents  map[string]struct{}
	vizTypes   map[string]session.VizType
}

// Result is the outcome of parsing one agent response.
type Result struct {
	Summary        string
	Visualizations []session.Visualization
	// Blocks is the number of query blocks found; Dropped of them failed to decode.
	Blocks  int
	Dropped int
}

// New creates a Parser.
func New(opts Options) *Parser {
	p := &Parser{
		summaryMax: opts.SummaryMaxChars,
		maxRows:    opts.MaxRows,
		docAgents:  make(map[string]struct{}, len(opts.DocumentAgents)),
		vizTypes:   make(map[string]session.VizType, len(opts.VizTypes)),
	}
	if p.summaryMax <= 0 {
		p.summaryMax = defaultSummaryMaxChars
	}
	if p.maxRows <= 0 {
		p.maxRows = defaultMaxRows
	}
	for _, a := range opts.DocumentAgents {
		p.docAgents[a] = struct{}{}
	}
	for agent, t := range opts.VizTypes {
		switch vt := session.VizType(t); vt {
		case session.VizGraph, session.VizTable:
			p.vizTypes[agent] = vt
		}
	}
	return p
}

var (
	queryMarker    = regexp.MustCompile(`(?i)-{3}\s*QUERY\s*-{3}`)
	resultsMarker  = regexp.MustCompile(`(?i)-{3}\s*RESULTS\s*-{3}`)
	analysisMarker = regexp.MustCompile(`(?i)-{3}\s*ANALYSIS\s*-{3}`)

	// 【4:0†runbook-fibre.md】 from file-search tools, or [doc:runbook-fibre.md].
	citationPattern = regexp.MustCompile(`【\d+:\d+†([^】]+)】|\[doc:\s*([^\]]+)\]`)

	codeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*```$")
)

type block struct {
	query   string
	results string
}

// Parse extracts the summary and payloads from raw agent output.
func (p *Parser) Parse(agentName, raw string) Result {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	blocks, prose := splitBlocks(text)

	res := Result{
		Summary: session.Truncate(strings.TrimSpace(prose), p.summaryMax),
		Blocks:  len(blocks),
	}

	vizType := p.vizTypeFor(agentName)
	for _, b := range blocks {
		viz, ok := p.decodeBlock(vizType, b)
		if !ok {
			res.Dropped++
			continue
		}
		res.Visualizations = append(res.Visualizations, viz)
	}
	if len(res.Visualizations) > 0 {
		return res
	}

	if cites := extractCitations(text); len(cites) > 0 {
		res.Visualizations = []session.Visualization{documentsPayload(agentName, prose, cites)}
		return res
	}

	// Document-style agents always surface their answer as a document, whether
	// or not they followed the block format.
	if _, ok := p.docAgents[agentName]; ok && strings.TrimSpace(prose) != "" {
		res.Visualizations = []session.Visualization{documentsPayload(agentName, prose, nil)}
	}
	return res
}

func (p *Parser) vizTypeFor(agent string) session.VizType {
	if t, ok := p.vizTypes[agent]; ok {
		return t
	}
	return session.VizTable
}

// splitBlocks finds every query block and the prose that summarises them.
// Results of a block run until the next query marker, the analysis marker or
// the end of text, whichever comes first. RE2 has no lookahead, so the
// boundaries come from marker offsets rather than a single pattern.
func splitBlocks(text string) ([]block, string) {
	analysisAt := -1
	analysisEnd := -1
	if loc := analysisMarker.FindStringIndex(text); loc != nil {
		analysisAt, analysisEnd = loc[0], loc[1]
	}

	queries := queryMarker.FindAllStringIndex(text, -1)
	var blocks []block
	for i, loc := range queries {
		if analysisAt >= 0 && loc[0] > analysisAt {
			break
		}
		end := len(text)
		if i+1 < len(queries) {
			end = queries[i+1][0]
		}
		if analysisAt >= 0 && analysisAt > loc[1] && analysisAt < end {
			end = analysisAt
		}
		body := text[loc[1]:end]
		r := resultsMarker.FindStringIndex(body)
		if r == nil {
			// A query with no results marker is not a block.
			continue
		}
		blocks = append(blocks, block{
			query:   stripFence(strings.TrimSpace(body[:r[0]])),
			results: strings.TrimSpace(body[r[1]:]),
		})
	}

	switch {
	case analysisAt >= 0:
		return blocks, text[analysisEnd:]
	case len(queries) > 0:
		return blocks, text[:queries[0][0]]
	default:
		return blocks, text
	}
}

func (p *Parser) decodeBlock(vizType session.VizType, b block) (session.Visualization, bool) {
	value, ok := decodeResults(b.results)
	if !ok {
		return session.Visualization{}, false
	}
	cols, rows, ok := tabulate(value)
	if !ok {
		return session.Visualization{}, false
	}

	data := session.VizData{Columns: cols, Rows: rows, Query: b.query}
	if len(rows) > p.maxRows {
		data.TotalRows = len(rows)
		data.Rows = rows[:p.maxRows]
		data.Truncated = true
	}
	return session.Visualization{Type: vizType, Data: data}, true
}

func documentsPayload(agent, prose string, cites []session.Citation) session.Visualization {
	return session.Visualization{
		Type: session.VizDocuments,
		Data: session.VizData{
			Content:   strings.TrimSpace(prose),
			Citations: cites,
			Agent:     agent,
		},
	}
}

func extractCitations(text string) []session.Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []session.Citation
	for _, m := range matches {
		src := strings.TrimSpace(m[1])
		if src == "" {
			src = strings.TrimSpace(m[2])
		}
		if src == "" {
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, session.Citation{Index: len(out) + 1, Source: src})
	}
	return out
}

func stripFence(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// tabulate normalises decoded results into columns and object rows.
func tabulate(v any) ([]session.Column, []map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		rawRows, hasRows := firstKey(t, "data", "rows", "results", "values")
		rawCols, hasCols := t["columns"]
		if !hasRows && !hasCols {
			if len(t) == 0 {
				return nil, nil, false
			}
			return inferColumns([]map[string]any{t}), []map[string]any{t}, true
		}
		cols := parseColumns(rawCols)
		list, _ := rawRows.([]any)
		if hasRows && rawRows != nil && list == nil {
			return nil, nil, false
		}
		rows, ok := parseRows(list, cols)
		if !ok {
			return nil, nil, false
		}
		if len(cols) == 0 {
			cols = inferColumns(rows)
		}
		return cols, rows, true

	case []any:
		rows, ok := parseRows(t, nil)
		if !ok {
			return nil, nil, false
		}
		return inferColumns(rows), rows, true
	}
	return nil, nil, false
}

func firstKey(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseColumns(raw any) []session.Column {
	list, _ := raw.([]any)
	cols := make([]session.Column, 0, len(list))
	for _, c := range list {
		switch cv := c.(type) {
		case string:
			cols = append(cols, session.Column{Name: cv})
		case map[string]any:
			name, _ := cv["name"].(string)
			if name == "" {
				continue
			}
			typ, _ := cv["type"].(string)
			cols = append(cols, session.Column{Name: name, Type: typ})
		}
	}
	return cols
}

func parseRows(list []any, cols []session.Column) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		switch r := item.(type) {
		case map[string]any:
			rows = append(rows, r)
		case []any:
			if len(cols) == 0 {
				return nil, false
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				if i < len(r) {
					row[c.Name] = r[i]
				} else {
					row[c.Name] = nil
				}
			}
			rows = append(rows, row)
		default:
			rows = append(rows, map[string]any{"value": r})
		}
	}
	return rows, true
}

// inferColumns collects the keys of every row, sorted by name.
func inferColumns(rows []map[string]any) []session.Column {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]session.Column, len(names))
	for i, n := range names {
		cols[i] = session.Column{Name: n}
	}
	return cols
}
