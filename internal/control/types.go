package control

import (
	"context"
	"time"

	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/manager"
	"github.com/drewfead/triage/internal/session"
)

// Sessions is the part of the session manager the API serves.
type Sessions interface {
	Create(input, scenario string) (*session.Session, *bridge.Bridge, error)
	Lookup(ctx context.Context, id string) (*session.Document, session.Source, error)
	ListAll(scenario string) []session.Summary
	ListAllWithHistory(ctx context.Context, scenario string, limit int) []session.Summary
	Cancel(id string) error
	Stats() manager.Stats
}

// CreateSessionRequest starts an investigation.
type CreateSessionRequest struct {
	Input    string `json:"input"`
	Scenario string `json:"scenario,omitempty"`
}

// SessionList is returned by the listing endpoints.
type SessionList struct {
	Sessions []session.Summary `json:"sessions"`
}

// SessionResponse is a full session and where it was read from.
type SessionResponse struct {
	Session *session.Document `json:"session"`
	Source  session.Source    `json:"source"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Health is the daemon health report.
type Health struct {
	Status    string    `json:"status"`
	Active    int       `json:"active"`
	Grace     int       `json:"grace"`
	Recent    int       `json:"recent"`
	Dirty     int       `json:"dirty"`
	StartedAt time.Time `json:"started_at"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionIDHeader carries the new session's id on the SSE response.
const SessionIDHeader = "X-Session-ID"
