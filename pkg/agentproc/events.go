// Package agentproc runs the agent runtime as a child process speaking
// newline-delimited JSON over stdin and stdout.
package agentproc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drewfead/triage/internal/agentrt"
)

// EventType is the type of one line of runtime output.
type EventType string

const (
	EventTypeToolCall EventType = "tool_call"
	EventTypeResult   EventType = "result"
	EventTypeError    EventType = "error"
	EventTypeLog      EventType = "log"
)

// Error subtypes reported by the runtime.
const (
	SubtypeRateLimit      = "rate_limit"
	SubtypeTransport      = "transport"
	SubtypeTimeout        = "timeout"
	SubtypeOverloaded     = "overloaded"
	SubtypeAuth           = "auth"
	SubtypeInvalidRequest = "invalid_request"
)

// Event is one parsed line of runtime output.
//
//	{"type":"tool_call","agent":"TelemetryAgent","input":"...","output":"...","duration_ms":812}
//	{"type":"result","content":"...","usage":{"total_tokens":4200}}
//	{"type":"error","subtype":"rate_limit","content":"429 from upstream"}
type Event struct {
	Type       EventType      `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Input      string         `json:"input,omitempty"`
	Output     string         `json:"output,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Action     map[string]any `json:"action,omitempty"`
	Content    string         `json:"content,omitempty"`
	Usage      *agentrt.Usage `json:"usage,omitempty"`
}

// ParseEvent parses one raw JSON line.
func ParseEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, errors.New("event has no type")
	}
	return &ev, nil
}

// classify maps a runtime error event onto the retry taxonomy.
func classify(ev *Event) error {
	cause := errors.New(ev.Content)
	if ev.Content == "" {
		cause = fmt.Errorf("runtime reported %s", ev.Subtype)
	}
	switch ev.Subtype {
	case SubtypeRateLimit, SubtypeTransport, SubtypeTimeout, SubtypeOverloaded:
		te := &agentrt.TransientError{Reason: ev.Subtype, Err: cause}
		if ev.Usage != nil {
			te.Usage = *ev.Usage
		}
		return te
	case SubtypeAuth, SubtypeInvalidRequest:
		return agentrt.Fatal(ev.Subtype, cause)
	default:
		return agentrt.Fatal("runtime error", cause)
	}
}
