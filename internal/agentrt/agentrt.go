// Package agentrt defines the contract with the hosted agent runtime: how a
// run is invoked, what it streams back and how its failures are classified.
package agentrt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request starts one orchestrated agent run.
type Request struct {
	SessionID string   `json:"session_id"`
	Scenario  string   `json:"scenario,omitempty"`
	Prompt    string   `json:"prompt"`
	Agents    []string `json:"agents"`
}

// Notification reports one completed sub-agent tool call.
type Notification struct {
	Agent     string
	Query     string
	Output    string
	Reasoning string
	Duration  time.Duration
	// Action is set when the agent executed a remediation action instead of
	// a query.
	Action map[string]any
}

// Usage is token accounting for an attempt.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Result is the final output of a run.
type Result struct {
	Text  string
	Usage Usage
}

// Stream yields notifications for one invocation. Next returns io.EOF after
// the last notification; Result is valid only after that. Any other error
// ends the stream and should be classified with IsTransient.
type Stream interface {
	Next(ctx context.Context) (Notification, error)
	Result() Result
	Close() error
}

// Invoker starts agent runs.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Stream, error)
}

// TransientError is a failure that is safe to retry: empty output, rate
// limiting, a dropped connection.
type TransientError struct {
	Reason string
	Err    error
	// Usage consumed before the failure, if the runtime reported any.
	Usage Usage
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient agent error (%s): %v", e.Reason, e.Err)
	}
	return "transient agent error: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that must not be retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent error (%s): %v", e.Reason, e.Err)
	}
	return "agent error: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// ErrEmptyOutput is reported when a run finishes without any final text.
var ErrEmptyOutput = errors.New("agent returned empty output")

// IsTransient reports whether err is classified as retryable. Unclassified
// errors are not.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// UsageOf returns the usage carried by a transient error, if any.
func UsageOf(err error) Usage {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Usage
	}
	return Usage{}
}
