package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/drewfead/triage/internal/agentrt"
	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/parser"
	"github.com/drewfead/triage/internal/session"
)

type (
	// script is one scripted attempt: notifications followed by either err or
	// a result.
	script struct {
		notes  []agentrt.Notification
		err    error
		result agentrt.Result
		delay  time.Duration
		block  bool
	}

	fakeInvoker struct {
		mu        sync.Mutex
		scripts   []script
		calls     int
		invokeErr error
	}

	fakeStream struct {
		s      script
		pos    int
		closed bool
	}
)

func (f *fakeInvoker) Invoke(ctx context.Context, req agentrt.Request) (agentrt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	if f.calls >= len(f.scripts) {
		return nil, agentrt.Fatal("no script", nil)
	}
	s := f.scripts[f.calls]
	f.calls++
	return &fakeStream{s: s}, nil
}

func (f *fakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (s *fakeStream) Next(ctx context.Context) (agentrt.Notification, error) {
	if s.s.delay > 0 {
		select {
		case <-time.After(s.s.delay):
		case <-ctx.Done():
			return agentrt.Notification{}, ctx.Err()
		}
	}
	if s.pos < len(s.s.notes) {
		n := s.s.notes[s.pos]
		s.pos++
		return n, nil
	}
	if s.s.block {
		<-ctx.Done()
		return agentrt.Notification{}, ctx.Err()
	}
	if s.s.err != nil {
		return agentrt.Notification{}, s.s.err
	}
	return agentrt.Notification{}, io.EOF
}

func (s *fakeStream) Result() agentrt.Result { return s.s.result }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func newTestCoordinator(inv agentrt.Invoker, maxAttempts int) *Coordinator {
	p := parser.New(parser.Options{
		DocumentAgents: []string{"RunbookKBAgent"},
		VizTypes:       map[string]string{"GraphExplorerAgent": "graph", "TelemetryAgent": "table"},
	})
	return New(inv, p, Options{
		MaxAttempts: maxAttempts,
		Agents:      []string{"GraphExplorerAgent", "TelemetryAgent"},
		Logger:      logging.Discard(),
	})
}

func collect(t *testing.T, b *bridge.Bridge) []bridge.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []bridge.Event
	for {
		ev, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func eventTypes(evs []bridge.Event) []bridge.EventType {
	out := make([]bridge.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func graphNote() agentrt.Notification {
	return agentrt.Notification{
		Agent:     "GraphExplorerAgent",
		Query:     "find links between Sydney and Melbourne",
		Reasoning: "start with topology",
		Duration:  1200 * time.Millisecond,
		Output: "---QUERY---\nMATCH (a)-[l]->(b) RETURN l\n---RESULTS---\n" +
			`[{"LinkId":"SYD-MEL-01","Status":"down"}]` +
			"\n---ANALYSIS---\nLink SYD-MEL-01 is down.",
	}
}

func telemetryNote() agentrt.Notification {
	return agentrt.Notification{
		Agent:    "TelemetryAgent",
		Query:    "loss on SYD-MEL-01",
		Duration: 800 * time.Millisecond,
		Output:   "---QUERY---\nLinkTelemetry | where LinkId == 'SYD-MEL-01'\n---RESULTS---\n{\"columns\":[\"LinkId\",\"LossPct\"],\"data\":[[\"SYD-MEL-01\",100]]}",
	}
}

func TestRunSuccessEventOrder(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{{
		notes:  []agentrt.Notification{graphNote(), telemetryNote()},
		result: agentrt.Result{Text: "Fibre cut on SYD-MEL-01.", Usage: agentrt.Usage{TotalTokens: 1500}},
	}}}
	c := newTestCoordinator(inv, 2)
	sess := session.New("Sydney to Melbourne link down", "telco-noc")
	b := bridge.New()

	out := c.Run(context.Background(), sess, "Sydney to Melbourne link down", b)
	require.Equal(t, session.StatusCompleted, out.Status)
	require.Equal(t, 2, out.Steps)

	evs := collect(t, b)
	require.Equal(t, []bridge.EventType{
		bridge.EventRunStart,
		bridge.EventStepThinking, bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventMessage, bridge.EventRunComplete,
	}, eventTypes(evs))

	first := evs[3].Payload.(*bridge.StepCompletePayload)
	require.Equal(t, 1, first.Step)
	require.Len(t, first.Visualizations, 1)
	require.Equal(t, session.VizGraph, first.Visualizations[0].Type)
	require.Equal(t, "Link SYD-MEL-01 is down.", first.Response)
	require.InDelta(t, 1.2, first.Duration, 0.001)

	second := evs[5].Payload.(*bridge.StepCompletePayload)
	require.Equal(t, 2, second.Step)
	require.Equal(t, session.VizTable, second.Visualizations[0].Type)

	rc := evs[len(evs)-1].Payload.(*bridge.RunCompletePayload)
	require.Equal(t, 2, rc.StepCount)
	require.Equal(t, 1500, rc.TotalTokens)

	doc := sess.Snapshot()
	require.Equal(t, "Fibre cut on SYD-MEL-01.", doc.Diagnosis)
	require.Len(t, doc.Steps, 2)
	require.Equal(t, 1, doc.RunMeta.Attempts)
	require.Equal(t, 1500, doc.RunMeta.TotalTokens)
}

func TestRunTransientThenSuccess(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{
		{delay: 50 * time.Millisecond, result: agentrt.Result{Usage: agentrt.Usage{TotalTokens: 100}}},
		{notes: []agentrt.Notification{telemetryNote()}, result: agentrt.Result{Text: "done", Usage: agentrt.Usage{TotalTokens: 200}}},
	}}
	c := newTestCoordinator(inv, 2)
	sess := session.New("x", "")
	b := bridge.New()

	out := c.Run(context.Background(), sess, "x", b)
	require.Equal(t, session.StatusCompleted, out.Status)
	require.Equal(t, 2, out.Attempts)
	require.Equal(t, 2, inv.Calls())

	evs := collect(t, b)
	rc := evs[len(evs)-1].Payload.(*bridge.RunCompletePayload)
	require.Equal(t, 1, rc.StepCount)
	require.Equal(t, 300, rc.TotalTokens)
	require.GreaterOrEqual(t, rc.TotalDuration, 0.05)
}

func TestRunStepNumbersSpanAttempts(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{
		{notes: []agentrt.Notification{graphNote()}, err: agentrt.Transient("rate limit", nil)},
		{notes: []agentrt.Notification{telemetryNote()}, result: agentrt.Result{Text: "ok"}},
	}}
	c := newTestCoordinator(inv, 3)
	sess := session.New("x", "")
	b := bridge.New()

	c.Run(context.Background(), sess, "x", b)
	var steps []int
	for _, ev := range collect(t, b) {
		if p, ok := ev.Payload.(*bridge.StepStartPayload); ok {
			steps = append(steps, p.Step)
		}
	}
	require.Equal(t, []int{1, 2}, steps)
	require.Equal(t, 2, sess.StepCount())
}

func TestRunFatalFailsWithoutRetry(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{
		{err: agentrt.Fatal("auth", errors.New("bad key"))},
		{result: agentrt.Result{Text: "never"}},
	}}
	c := newTestCoordinator(inv, 3)
	sess := session.New("x", "")
	b := bridge.New()

	out := c.Run(context.Background(), sess, "x", b)
	require.Equal(t, session.StatusFailed, out.Status)
	require.Equal(t, 1, inv.Calls())

	evs := collect(t, b)
	last := evs[len(evs)-1]
	require.Equal(t, bridge.EventError, last.Type)
	require.Equal(t, bridge.CodeFailed, last.Payload.(*bridge.ErrorPayload).Code)
	require.Contains(t, sess.Snapshot().ErrorMessage, "auth")
}

func TestRunUnclassifiedErrorIsFatal(t *testing.T) {
	inv := &fakeInvoker{invokeErr: errors.New("boom")}
	out := newTestCoordinator(inv, 3).Run(context.Background(), session.New("x", ""), "x", bridge.New())
	require.Equal(t, session.StatusFailed, out.Status)
	require.Equal(t, 1, out.Attempts)
}

func TestRunEmptyOutputExhaustsBudget(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{{}, {}}}
	c := newTestCoordinator(inv, 2)
	sess := session.New("x", "")
	b := bridge.New()

	out := c.Run(context.Background(), sess, "x", b)
	require.Equal(t, session.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, agentrt.ErrEmptyOutput)
	require.Equal(t, 2, inv.Calls())
	require.Equal(t, []bridge.EventType{bridge.EventRunStart, bridge.EventError}, eventTypes(collect(t, b)))
}

func TestRunCancelMidStream(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{{notes: []agentrt.Notification{graphNote()}, block: true}}}
	c := newTestCoordinator(inv, 2)
	sess := session.New("x", "")
	b := bridge.New()

	done := make(chan Outcome, 1)
	go func() { done <- c.Run(context.Background(), sess, "x", b) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := b.Next(ctx)
		require.NoError(t, err)
		if ev.Type == bridge.EventStepComplete {
			break
		}
	}
	require.True(t, sess.RequestCancel())

	select {
	case out := <-done:
		require.Equal(t, session.StatusCancelled, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
	rest := collect(t, b)
	require.Len(t, rest, 1)
	require.Equal(t, bridge.CodeCancelled, rest[0].Payload.(*bridge.ErrorPayload).Code)
	require.Equal(t, session.StatusCancelled, sess.Status())
	require.Equal(t, 1, sess.StepCount())
}

func TestRunCancelDuringBackoff(t *testing.T) {
	inv := &fakeInvoker{scripts: []script{{err: agentrt.Transient("overloaded", nil)}, {result: agentrt.Result{Text: "x"}}}}
	p := parser.New(parser.Options{})
	c := New(inv, p, Options{
		MaxAttempts: 2,
		Backoff:     Backoff{Initial: time.Minute, Max: time.Minute, Multiplier: 2},
		Logger:      logging.Discard(),
	})
	sess := session.New("x", "")
	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.RequestCancel()
	}()

	start := time.Now()
	out := c.Run(context.Background(), sess, "x", bridge.New())
	require.Equal(t, session.StatusCancelled, out.Status)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, 1, inv.Calls())
}

type panicInvoker struct{}

func (panicInvoker) Invoke(context.Context, agentrt.Request) (agentrt.Stream, error) {
	panic("planner exploded")
}

func TestRunRecoversPanic(t *testing.T) {
	sess := session.New("x", "")
	b := bridge.New()
	out := newTestCoordinator(panicInvoker{}, 2).Run(context.Background(), sess, "x", b)
	require.Equal(t, session.StatusFailed, out.Status)
	evs := collect(t, b)
	require.Equal(t, bridge.EventError, evs[len(evs)-1].Type)
	require.Contains(t, sess.Snapshot().ErrorMessage, "planner exploded")
}

func TestRunActionStep(t *testing.T) {
	note := telemetryNote()
	note.Action = map[string]any{"kind": "reroute", "link": "SYD-MEL-01"}
	inv := &fakeInvoker{scripts: []script{{notes: []agentrt.Notification{note}, result: agentrt.Result{Text: "rerouted"}}}}
	b := bridge.New()
	newTestCoordinator(inv, 1).Run(context.Background(), session.New("x", ""), "x", b)

	evs := collect(t, b)
	require.Equal(t, []bridge.EventType{
		bridge.EventRunStart, bridge.EventStepStart, bridge.EventStepComplete,
		bridge.EventActionExecuted, bridge.EventMessage, bridge.EventRunComplete,
	}, eventTypes(evs))
	require.True(t, evs[2].Payload.(*bridge.StepCompletePayload).IsAction)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	require.Equal(t, time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 8*time.Second, b.Delay(4))
	require.Equal(t, 10*time.Second, b.Delay(6))
	require.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

// TestStepNumberingProperty checks that across any schedule of transient
// failures, step numbers run 1..n without gaps and the stream ends with
// exactly one terminal event.
func TestStepNumberingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("steps are contiguous and the terminal event is unique", prop.ForAll(
		func(perAttempt []int, succeed bool) bool {
			if len(perAttempt) == 0 {
				perAttempt = []int{0}
			}
			scripts := make([]script, len(perAttempt))
			total := 0
			for i, n := range perAttempt {
				notes := make([]agentrt.Notification, n)
				for j := range notes {
					notes[j] = agentrt.Notification{Agent: "TelemetryAgent", Output: fmt.Sprintf("step %d.%d", i, j)}
				}
				total += n
				scripts[i] = script{notes: notes, err: agentrt.Transient("rate limit", nil)}
			}
			if succeed {
				last := &scripts[len(scripts)-1]
				last.err = nil
				last.result = agentrt.Result{Text: "diagnosis"}
			}

			c := newTestCoordinator(&fakeInvoker{scripts: scripts}, len(scripts))
			sess := session.New("x", "")
			b := bridge.New()
			out := c.Run(context.Background(), sess, "x", b)

			next := 1
			terminals := 0
			evs := collect(t, b)
			for i, ev := range evs {
				switch p := ev.Payload.(type) {
				case *bridge.StepStartPayload:
					if p.Step != next {
						return false
					}
					next++
				case *bridge.RunCompletePayload:
					if p.StepCount != total {
						return false
					}
				}
				if ev.Type.Terminal() {
					terminals++
					if i != len(evs)-1 {
						return false
					}
				}
			}
			wantStatus := session.StatusFailed
			if succeed {
				wantStatus = session.StatusCompleted
			}
			return terminals == 1 &&
				next-1 == total &&
				sess.StepCount() == total &&
				out.Status == wantStatus
		},
		gen.SliceOfN(4, gen.IntRange(0, 3)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
