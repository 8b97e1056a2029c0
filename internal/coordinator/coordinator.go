// Package coordinator drives one investigation run: it invokes the agent
// runtime, turns each completed tool call into a recorded step, retries
// transient failures and emits exactly one terminal event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/drewfead/triage/internal/agentrt"
	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/parser"
	"github.com/drewfead/triage/internal/session"
)

const queryPreviewChars = 500

// Backoff is the delay schedule between attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if b.Max > 0 && d > b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Options configure a Coordinator.
type Options struct {
	MaxAttempts int
	Backoff     Backoff
	// Agents is the specialist roster offered to the runtime.
	Agents []string
	Logger *slog.Logger
}

// Outcome is how a run ended.
type Outcome struct {
	Status   session.Status
	Attempts int
	Steps    int
	Err      error
}

// Coordinator runs a single session. It is not reusable: the step counter
// and metrics belong to the instance and span every retry attempt.
type Coordinator struct {
	invoker agentrt.Invoker
	parser  *parser.Parser
	opts    Options
	logger  *slog.Logger

	step     int
	attempts int
	usage    agentrt.Usage
	started  time.Time
}

// New creates a Coordinator for one run.
func New(invoker agentrt.Invoker, p *parser.Parser, opts Options) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("coordinator")
	}
	return &Coordinator{invoker: invoker, parser: p, opts: opts, logger: logger}
}

type attemptResult int

const (
	attemptSuccess attemptResult = iota
	attemptTransient
	attemptFatal
	attemptCancelled
)

// Run executes the investigation to a terminal state. The session is
// mutated only from here, and every outcome is reported on b.
func (c *Coordinator) Run(ctx context.Context, sess *session.Session, prompt string, b *bridge.Bridge) (out Outcome) {
	c.started = time.Now()
	logger := c.logger.With("session_id", sess.ID())

	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "session_id", sess.ID(), "step", c.step)
			out = c.fail(sess, b, fmt.Errorf("internal error: %v", r))
		}
	}()

	_ = b.Emit(bridge.Event{Type: bridge.EventRunStart, Payload: &bridge.RunStartPayload{
		SessionID: sess.ID(),
		Scenario:  sess.Scenario(),
	}})

	req := agentrt.Request{
		SessionID: sess.ID(),
		Scenario:  sess.Scenario(),
		Prompt:    prompt,
		Agents:    c.opts.Agents,
	}

	for attempt := 1; ; attempt++ {
		if cancelled(ctx, sess) {
			return c.cancel(sess, b)
		}
		c.attempts = attempt
		alog := logger.With("attempt", attempt)
		alog.Info("run attempt started")

		res, kind, err := c.runAttempt(ctx, sess, req, b)
		c.updateMeta(sess)

		switch kind {
		case attemptSuccess:
			alog.Info("run completed", "steps", c.step, "tokens", c.usage.TotalTokens)
			return c.complete(sess, b, res.Text)
		case attemptCancelled:
			alog.Info("run cancelled", "steps", c.step)
			return c.cancel(sess, b)
		case attemptFatal:
			alog.Error("run failed", "error", err)
			return c.fail(sess, b, err)
		}

		if attempt >= c.opts.MaxAttempts {
			alog.Error("retry budget exhausted", "error", err, "max_attempts", c.opts.MaxAttempts)
			return c.fail(sess, b, err)
		}
		delay := c.opts.Backoff.Delay(attempt)
		alog.Warn("transient failure, retrying", "error", err, "backoff", delay)
		if !c.wait(ctx, sess, delay) {
			return c.cancel(sess, b)
		}
	}
}

// StepCount returns the number of steps recorded so far.
func (c *Coordinator) StepCount() int { return c.step }

func (c *Coordinator) runAttempt(ctx context.Context, sess *session.Session, req agentrt.Request, b *bridge.Bridge) (agentrt.Result, attemptResult, error) {
	actx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-sess.CancelCh():
			stop()
		case <-actx.Done():
		}
	}()

	stream, err := c.invoker.Invoke(actx, req)
	if err != nil {
		return agentrt.Result{}, c.classify(ctx, sess, err), err
	}
	defer stream.Close()

	for {
		if cancelled(ctx, sess) {
			return agentrt.Result{}, attemptCancelled, nil
		}
		n, err := stream.Next(actx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.usage = c.usage.Add(agentrt.UsageOf(err))
			return agentrt.Result{}, c.classify(ctx, sess, err), err
		}
		c.recordStep(sess, b, n)
	}

	res := stream.Result()
	c.usage = c.usage.Add(res.Usage)
	if strings.TrimSpace(res.Text) == "" {
		return res, attemptTransient, &agentrt.TransientError{Reason: "empty output", Err: agentrt.ErrEmptyOutput}
	}
	return res, attemptSuccess, nil
}

func (c *Coordinator) classify(ctx context.Context, sess *session.Session, err error) attemptResult {
	switch {
	case cancelled(ctx, sess):
		return attemptCancelled
	case agentrt.IsTransient(err):
		return attemptTransient
	default:
		return attemptFatal
	}
}

func (c *Coordinator) recordStep(sess *session.Session, b *bridge.Bridge, n agentrt.Notification) {
	c.step++
	num := c.step

	if n.Reasoning != "" {
		_ = b.Emit(bridge.Event{Type: bridge.EventStepThinking, Payload: &bridge.StepThinkingPayload{
			Step: num, Agent: n.Agent, Reasoning: n.Reasoning,
		}})
	}
	_ = b.Emit(bridge.Event{Type: bridge.EventStepStart, Payload: &bridge.StepStartPayload{Step: num, Agent: n.Agent}})

	parsed := c.parser.Parse(n.Agent, n.Output)
	if parsed.Dropped > 0 {
		c.logger.Debug("dropped unparseable result blocks",
			"session_id", sess.ID(), "step", num, "agent", n.Agent,
			"blocks", parsed.Blocks, "dropped", parsed.Dropped)
	}

	step := session.Step{
		Step:           num,
		Agent:          n.Agent,
		Duration:       n.Duration.Seconds(),
		Query:          session.Truncate(strings.TrimSpace(n.Query), queryPreviewChars),
		Response:       parsed.Summary,
		Error:          failedOutput(n.Output),
		Reasoning:      n.Reasoning,
		IsAction:       n.Action != nil,
		Action:         n.Action,
		Visualizations: parsed.Visualizations,
	}
	sess.AppendStep(step)

	_ = b.Emit(bridge.Event{Type: bridge.EventStepComplete, Payload: &bridge.StepCompletePayload{
		Step:           num,
		Agent:          step.Agent,
		Duration:       step.Duration,
		Query:          step.Query,
		Response:       step.Response,
		Visualizations: step.Visualizations,
		IsAction:       step.IsAction,
		Action:         step.Action,
		Error:          step.Error,
	}})
	if step.IsAction {
		_ = b.Emit(bridge.Event{Type: bridge.EventActionExecuted, Payload: &bridge.ActionExecutedPayload{
			Step: num, Agent: step.Agent, Action: step.Action,
		}})
	}
}

func failedOutput(out string) bool {
	s := strings.ToLower(strings.TrimSpace(out))
	return s == "" || strings.HasPrefix(s, "error")
}

// wait sleeps for d, returning false if cancellation arrives first.
func (c *Coordinator) wait(ctx context.Context, sess *session.Session, d time.Duration) bool {
	if d <= 0 {
		return !cancelled(ctx, sess)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !cancelled(ctx, sess)
	case <-sess.CancelCh():
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) updateMeta(sess *session.Session) {
	sess.SetRunMeta(session.RunMeta{
		Steps:            c.step,
		Attempts:         c.attempts,
		ElapsedSeconds:   time.Since(c.started).Seconds(),
		PromptTokens:     c.usage.PromptTokens,
		CompletionTokens: c.usage.CompletionTokens,
		TotalTokens:      c.usage.TotalTokens,
	})
}

func (c *Coordinator) complete(sess *session.Session, b *bridge.Bridge, diagnosis string) Outcome {
	c.updateMeta(sess)
	elapsed := time.Since(c.started).Seconds()
	sess.Complete(diagnosis)

	_ = b.Emit(bridge.Event{Type: bridge.EventMessage, Payload: &bridge.MessagePayload{Text: diagnosis}})
	_ = b.Emit(bridge.Event{Type: bridge.EventRunComplete, Payload: &bridge.RunCompletePayload{
		StepCount:     c.step,
		TotalDuration: elapsed,
		TotalTokens:   c.usage.TotalTokens,
	}})
	return Outcome{Status: session.StatusCompleted, Attempts: c.attempts, Steps: c.step}
}

func (c *Coordinator) fail(sess *session.Session, b *bridge.Bridge, err error) Outcome {
	c.updateMeta(sess)
	msg := "investigation failed"
	if err != nil {
		msg = err.Error()
	}
	sess.Fail(msg)
	_ = b.Emit(bridge.Event{Type: bridge.EventError, Payload: &bridge.ErrorPayload{Message: msg, Code: bridge.CodeFailed}})
	return Outcome{Status: session.StatusFailed, Attempts: c.attempts, Steps: c.step, Err: err}
}

func (c *Coordinator) cancel(sess *session.Session, b *bridge.Bridge) Outcome {
	c.updateMeta(sess)
	sess.Cancel()
	_ = b.Emit(bridge.Event{Type: bridge.EventError, Payload: &bridge.ErrorPayload{
		Message: "investigation cancelled",
		Code:    bridge.CodeCancelled,
	}})
	return Outcome{Status: session.StatusCancelled, Attempts: c.attempts, Steps: c.step}
}

func cancelled(ctx context.Context, sess *session.Session) bool {
	return sess.CancelRequested() || ctx.Err() != nil
}
