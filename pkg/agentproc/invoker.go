package agentproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/drewfead/triage/internal/agentrt"
)

// Invoker starts one runtime process per agent run.
type Invoker struct {
	opts   SpawnOptions
	logger *slog.Logger
}

var _ agentrt.Invoker = (*Invoker)(nil)

// NewInvoker returns an Invoker that spawns processes with opts.
func NewInvoker(opts SpawnOptions, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{opts: opts, logger: logger}
}

// Invoke spawns the runtime and sends req as its only input line. Failing to
// start the runtime is fatal: retrying an absent binary cannot succeed.
func (i *Invoker) Invoke(ctx context.Context, req agentrt.Request) (agentrt.Stream, error) {
	logger := i.logger.With("session_id", req.SessionID)
	p, err := Spawn(ctx, &i.opts, req, logger)
	if err != nil {
		return nil, agentrt.Fatal("spawn runtime", err)
	}
	logger.Debug("agent runtime started", "pid", p.PID(), "command", i.opts.CommandString())
	return &stream{proc: p}, nil
}

type stream struct {
	proc   *Process
	result agentrt.Result
	done   bool
}

func (s *stream) Next(ctx context.Context) (agentrt.Notification, error) {
	if s.done {
		return agentrt.Notification{}, io.EOF
	}
	for {
		select {
		case <-ctx.Done():
			s.proc.Close()
			return agentrt.Notification{}, ctx.Err()

		case ev, ok := <-s.proc.Events():
			if !ok {
				return agentrt.Notification{}, s.exited(ctx)
			}
			switch ev.Type {
			case EventTypeToolCall:
				return agentrt.Notification{
					Agent:     ev.Agent,
					Query:     ev.Input,
					Output:    ev.Output,
					Reasoning: ev.Reasoning,
					Duration:  time.Duration(ev.DurationMS) * time.Millisecond,
					Action:    ev.Action,
				}, nil
			case EventTypeResult:
				s.done = true
				s.result.Text = ev.Content
				if ev.Usage != nil {
					s.result.Usage = *ev.Usage
				}
				return agentrt.Notification{}, io.EOF
			case EventTypeError:
				s.done = true
				return agentrt.Notification{}, classify(ev)
			}
			// log lines and unknown types are ignored
		}
	}
}

// exited reports a runtime that closed stdout without a result.
func (s *stream) exited(ctx context.Context) error {
	s.done = true
	select {
	case <-s.proc.Done():
	case <-ctx.Done():
		s.proc.Close()
		return ctx.Err()
	}
	cause := s.proc.WaitErr()
	if cause == nil {
		cause = errors.New("exited cleanly")
	}
	if tail := s.proc.StderrTail(); tail != "" {
		cause = fmt.Errorf("%w: %s", cause, truncate(tail, 500))
	}
	return agentrt.Transient("runtime exited without a result", cause)
}

func (s *stream) Result() agentrt.Result { return s.result }

func (s *stream) Close() error { return s.proc.Close() }
