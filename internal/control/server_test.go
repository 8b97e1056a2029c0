package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drewfead/triage/internal/agentrt"
	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/coordinator"
	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/manager"
	"github.com/drewfead/triage/internal/parser"
	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

// scriptedInvoker replays the same notifications for every run. When block is
// set the stream waits for cancellation after the notifications.
type scriptedInvoker struct {
	notes []agentrt.Notification
	text  string
	block bool
}

type scriptedStream struct {
	inv *scriptedInvoker
	pos int
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req agentrt.Request) (agentrt.Stream, error) {
	return &scriptedStream{inv: s}, nil
}

func (s *scriptedStream) Next(ctx context.Context) (agentrt.Notification, error) {
	if s.pos < len(s.inv.notes) {
		n := s.inv.notes[s.pos]
		s.pos++
		return n, nil
	}
	if s.inv.block {
		<-ctx.Done()
		return agentrt.Notification{}, ctx.Err()
	}
	return agentrt.Notification{}, io.EOF
}

func (s *scriptedStream) Result() agentrt.Result {
	return agentrt.Result{Text: s.inv.text, Usage: agentrt.Usage{PromptTokens: 3000, CompletionTokens: 1200, TotalTokens: 4200}}
}

func (s *scriptedStream) Close() error { return nil }

func fibreCut() *scriptedInvoker {
	return &scriptedInvoker{
		notes: []agentrt.Notification{
			{
				Agent:     "GraphExplorerAgent",
				Reasoning: "Map the physical path between Sydney and Melbourne first.",
				Query:     "links on the SYD-MEL corridor",
				Duration:  2 * time.Second,
				Output: "---QUERY---\nMATCH (s:Site {name:'SYD'})-[l:LINK]->(m:Site {name:'MEL'}) RETURN l\n" +
					"---RESULTS---\n[{\"LinkId\":\"SYD-MEL-FIBRE-01\",\"Status\":\"down\"},{\"LinkId\":\"SYD-MEL-FIBRE-02\",\"Status\":\"up\"}]\n" +
					"---ANALYSIS---\nSYD-MEL-FIBRE-01 is down.",
			},
			{
				Agent:    "TelemetryAgent",
				Query:    "optical power on SYD-MEL-FIBRE-01",
				Duration: 1500 * time.Millisecond,
				Output: "---QUERY---\nLinkTelemetry | where LinkId == 'SYD-MEL-FIBRE-01'\n" +
					"---RESULTS---\n{'columns': ['LinkId', 'RxPowerDbm'], 'rows': [['SYD-MEL-FIBRE-01', None]]}",
			},
			{
				Agent:    "RunbookKBAgent",
				Query:    "fibre cut runbook",
				Duration: 900 * time.Millisecond,
				Output:   "Dispatch a field crew and reroute traffic via SYD-MEL-FIBRE-02【4:0†fibre-cut-runbook.md】.",
			},
		},
		text: "Fibre cut on SYD-MEL-FIBRE-01. Traffic should be rerouted via SYD-MEL-FIBRE-02.",
	}
}

func newTestServer(t *testing.T, inv agentrt.Invoker, st store.SessionStore) (*httptest.Server, *manager.Manager) {
	t.Helper()
	p := parser.New(parser.Options{
		DocumentAgents: []string{"RunbookKBAgent", "HistoricalTicketAgent"},
		VizTypes:       map[string]string{"GraphExplorerAgent": "graph", "TelemetryAgent": "table"},
	})
	mgr := manager.New(st, func() manager.Runner {
		return coordinator.New(inv, p, coordinator.Options{MaxAttempts: 2, Logger: logging.Discard()})
	}, manager.Options{GracePeriod: time.Hour, Logger: logging.Discard()})

	srv := NewServer(mgr, ServerOptions{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return ts, mgr
}

func TestFibreCutScenarioEventOrder(t *testing.T) {
	st := store.NewMemoryStore()
	ts, _ := newTestServer(t, fibreCut(), st)
	client := NewClient(ts.URL)

	var events []bridge.Event
	id, err := client.Submit(context.Background(), "Sydney to Melbourne link is down", "telco-noc", func(ev bridge.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var got []bridge.EventType
	for _, ev := range events {
		got = append(got, ev.Type)
	}
	require.Equal(t, []bridge.EventType{
		bridge.EventRunStart,
		bridge.EventStepThinking, bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventMessage, bridge.EventRunComplete,
	}, got)

	require.Equal(t, id, events[0].Payload.(*bridge.RunStartPayload).SessionID)

	graph := events[3].Payload.(*bridge.StepCompletePayload)
	require.Equal(t, session.VizGraph, graph.Visualizations[0].Type)
	require.Len(t, graph.Visualizations[0].Data.Rows, 2)

	telemetry := events[5].Payload.(*bridge.StepCompletePayload)
	require.Equal(t, session.VizTable, telemetry.Visualizations[0].Type)
	require.Nil(t, telemetry.Visualizations[0].Data.Rows[0]["RxPowerDbm"])

	runbook := events[7].Payload.(*bridge.StepCompletePayload)
	require.Equal(t, session.VizDocuments, runbook.Visualizations[0].Type)
	require.Equal(t, "fibre-cut-runbook.md", runbook.Visualizations[0].Data.Citations[0].Source)

	msg := events[8].Payload.(*bridge.MessagePayload)
	require.Contains(t, msg.Text, "Fibre cut on SYD-MEL-FIBRE-01")

	done := events[9].Payload.(*bridge.RunCompletePayload)
	require.Equal(t, 3, done.StepCount)
	require.Equal(t, 4200, done.TotalTokens)

	// The completed session is persisted straight away and served from memory.
	require.Eventually(t, func() bool {
		doc, err := store.Get(context.Background(), st, id)
		return err == nil && doc != nil && doc.Status == session.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := client.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.SourceMemory, resp.Source)
	require.Len(t, resp.Session.Steps, 3)

	list, err := client.List(context.Background(), "telco-noc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 3, list[0].StepCount)
}

func TestGetFallsBackToStore(t *testing.T) {
	st := store.NewMemoryStore()
	doc := &session.Document{
		ID:        "old-1",
		Scenario:  "telco-noc",
		InputText: "earlier outage",
		Status:    session.StatusCompleted,
		Diagnosis: "power failure",
		CreatedAt: time.Now().Add(-time.Hour).UTC(),
		UpdatedAt: time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, st.Upsert(context.Background(), doc))
	ts, _ := newTestServer(t, fibreCut(), st)
	client := NewClient(ts.URL)

	resp, err := client.Get(context.Background(), "old-1")
	require.NoError(t, err)
	require.Equal(t, session.SourceStore, resp.Source)
	require.Equal(t, "power failure", resp.Session.Diagnosis)

	hist, err := client.History(context.Background(), "telco-noc", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, session.SourceStore, hist[0].Source)

	live, err := client.List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, live)

	_, err = client.Get(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestCancelOverHTTP(t *testing.T) {
	inv := fibreCut()
	inv.notes = inv.notes[:1]
	inv.block = true
	st := store.NewMemoryStore()
	ts, mgr := newTestServer(t, inv, st)
	client := NewClient(ts.URL)

	var (
		mu     sync.Mutex
		events []bridge.Event
		id     string
	)
	started := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		sid, err := client.Submit(context.Background(), "link down", "", func(ev bridge.Event) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			if p, ok := ev.Payload.(*bridge.StepCompletePayload); ok && p.Step == 1 {
				started <- ""
			}
			return nil
		})
		id = sid
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}
	active := mgr.ListAll("")
	require.Len(t, active, 1)
	require.NoError(t, client.Cancel(context.Background(), active[0].ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancel")
	}
	require.Equal(t, active[0].ID, id)

	mu.Lock()
	last := events[len(events)-1]
	mu.Unlock()
	require.Equal(t, bridge.EventError, last.Type)
	require.Equal(t, bridge.CodeCancelled, last.Payload.(*bridge.ErrorPayload).Code)

	require.Eventually(t, func() bool {
		doc, err := store.Get(context.Background(), st, id)
		return err == nil && doc != nil && doc.Status == session.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	var apiErr *APIError
	err := client.Cancel(context.Background(), id)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.Status)

	err = client.Cancel(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestCreateRejectsEmptyInput(t *testing.T) {
	ts, _ := newTestServer(t, fibreCut(), store.NewMemoryStore())

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{"input":"  "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	ts, _ := newTestServer(t, fibreCut(), store.NewMemoryStore())
	resp, err := http.Get(ts.URL + "/api/sessions/history?limit=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndCORS(t *testing.T) {
	ts, _ := newTestServer(t, fibreCut(), store.NewMemoryStore())

	h, err := NewClient(ts.URL).Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", h.Status)
	require.Zero(t, h.Active)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

type panickingSessions struct{ Sessions }

func (panickingSessions) ListAll(string) []session.Summary { panic("registry corrupted") }

func TestRecoverMiddleware(t *testing.T) {
	srv := NewServer(panickingSessions{}, ServerOptions{Logger: logging.Discard()})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestReadEvents(t *testing.T) {
	raw := ": keep-alive\n\n" +
		"event: step_start\ndata: {\"step\":1,\"agent\":\"TelemetryAgent\"}\n\n" +
		"event: message\ndata: {\"text\":\"line one\"}\n\n" +
		"event: error\ndata: {\"message\":\"boom\",\"code\":\"failed\"}\n"

	var got []bridge.Event
	require.NoError(t, ReadEvents(strings.NewReader(raw), func(ev bridge.Event) error {
		got = append(got, ev)
		return nil
	}))
	require.Len(t, got, 3)
	require.Equal(t, 1, got[0].Payload.(*bridge.StepStartPayload).Step)
	require.Equal(t, "line one", got[1].Payload.(*bridge.MessagePayload).Text)
	require.Equal(t, "boom", got[2].Payload.(*bridge.ErrorPayload).Message)

	stop := errors.New("stop")
	err := ReadEvents(strings.NewReader(raw), func(bridge.Event) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestWriteEventFrame(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeEvent(&sb, bridge.Event{Type: bridge.EventStepStart, Payload: &bridge.StepStartPayload{Step: 2, Agent: "GraphExplorerAgent"}}))
	require.Equal(t, "event: step_start\ndata: {\"step\":2,\"agent\":\"GraphExplorerAgent\"}\n\n", sb.String())
}
