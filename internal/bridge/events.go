package bridge

import (
	"encoding/json"

	"github.com/drewfead/triage/internal/session"
)

// EventType names a progress event.
type EventType string

const (
	EventRunStart       EventType = "run_start"
	EventStepThinking   EventType = "step_thinking"
	EventStepStart      EventType = "step_start"
	EventStepComplete   EventType = "step_complete"
	EventMessage        EventType = "message"
	EventRunComplete    EventType = "run_complete"
	EventError          EventType = "error"
	EventActionExecuted EventType = "action_executed"
)

// Terminal reports whether the event ends a run's stream.
func (t EventType) Terminal() bool {
	return t == EventRunComplete || t == EventError
}

// Event is one progress event. Payload is one of the *Payload types below.
type Event struct {
	Type    EventType
	Payload any
}

// MarshalJSON renders {"type": ..., "data": {...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventType `json:"type"`
		Data any       `json:"data"`
	}{e.Type, e.Payload})
}

// UnmarshalJSON decodes the envelope, typing Payload by event type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	e.Type, e.Payload = env.Type, payload
	return nil
}

// DecodePayload decodes data into the payload type for t. Unknown types
// decode to a generic map.
func DecodePayload(t EventType, data []byte) (any, error) {
	var target any
	switch t {
	case EventRunStart:
		target = &RunStartPayload{}
	case EventStepThinking:
		target = &StepThinkingPayload{}
	case EventStepStart:
		target = &StepStartPayload{}
	case EventStepComplete:
		target = &StepCompletePayload{}
	case EventMessage:
		target = &MessagePayload{}
	case EventRunComplete:
		target = &RunCompletePayload{}
	case EventError:
		target = &ErrorPayload{}
	case EventActionExecuted:
		target = &ActionExecutedPayload{}
	default:
		m := map[string]any{}
		target = &m
	}
	if len(data) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

type RunStartPayload struct {
	SessionID string `json:"session_id"`
	Scenario  string `json:"scenario,omitempty"`
}

type StepThinkingPayload struct {
	Step      int    `json:"step"`
	Agent     string `json:"agent"`
	Reasoning string `json:"reasoning"`
}

type StepStartPayload struct {
	Step  int    `json:"step"`
	Agent string `json:"agent"`
}

type StepCompletePayload struct {
	Step           int                     `json:"step"`
	Agent          string                  `json:"agent"`
	Duration       float64                 `json:"duration"`
	Query          string                  `json:"query"`
	Response       string                  `json:"response"`
	Visualizations []session.Visualization `json:"visualizations,omitempty"`
	IsAction       bool                    `json:"is_action,omitempty"`
	Action         map[string]any          `json:"action,omitempty"`
	Error          bool                    `json:"error,omitempty"`
}

type MessagePayload struct {
	Text string `json:"text"`
}

type RunCompletePayload struct {
	StepCount     int     `json:"step_count"`
	TotalDuration float64 `json:"total_duration"`
	TotalTokens   int     `json:"total_tokens"`
}

// ErrorPayload ends a run that did not complete. Code is "cancelled" for
// user cancellation and "failed" otherwise.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ActionExecutedPayload struct {
	Step   int            `json:"step"`
	Agent  string         `json:"agent"`
	Action map[string]any `json:"action"`
}

// Error codes.
const (
	CodeCancelled = "cancelled"
	CodeFailed    = "failed"
)
