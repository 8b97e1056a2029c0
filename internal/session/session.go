// Package session holds the investigation data model: sessions, their steps
// and the visualization payloads extracted from agent output.
//
// A Session is mutated only by the goroutine running its investigation. The
// embedded lock exists so readers on other goroutines observe consistent
// snapshots; it never arbitrates between writers.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// RunMeta carries run metrics, cumulative across retry attempts.
type RunMeta struct {
	Steps            int     `json:"steps" bson:"steps"`
	Attempts         int     `json:"attempts" bson:"attempts"`
	ElapsedSeconds   float64 `json:"time" bson:"time"`
	PromptTokens     int     `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int     `json:"tokens" bson:"tokens"`
}

// Session is one investigation from submission to a terminal state.
type Session struct {
	mu sync.RWMutex

	id        string
	scenario  string
	inputText string
	createdAt time.Time

	status       Status
	steps        []Step
	diagnosis    string
	errorMessage string
	runMeta      RunMeta
	updatedAt    time.Time

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
}

// New allocates an ACTIVE session with a fresh id.
func New(inputText, scenario string) *Session {
	return NewWithID(uuid.NewString(), inputText, scenario, time.Now().UTC())
}

// NewWithID allocates an ACTIVE session with the given identity.
func NewWithID(id, inputText, scenario string, now time.Time) *Session {
	return &Session{
		id:        id,
		scenario:  scenario,
		inputText: inputText,
		createdAt: now,
		updatedAt: now,
		status:    StatusActive,
		cancelCh:  make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Scenario() string     { return s.scenario }
func (s *Session) InputText() string    { return s.inputText }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// UpdatedAt returns the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// StepCount returns the number of recorded steps.
func (s *Session) StepCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.steps)
}

// RequestCancel raises the cooperative cancellation flag. It reports false
// when the flag was already set.
func (s *Session) RequestCancel() bool {
	if !s.cancelRequested.CompareAndSwap(false, true) {
		return false
	}
	s.cancelOnce.Do(func() { close(s.cancelCh) })
	return true
}

// CancelRequested reports whether cancellation has been requested.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// CancelCh is closed when cancellation is requested, for use in select.
func (s *Session) CancelCh() <-chan struct{} {
	return s.cancelCh
}

// AppendStep records a completed step.
func (s *Session) AppendStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	s.updatedAt = time.Now().UTC()
}

// SetRunMeta replaces the run metrics.
func (s *Session) SetRunMeta(meta RunMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runMeta = meta
	s.updatedAt = time.Now().UTC()
}

// Complete moves an active session to COMPLETED with its diagnosis.
func (s *Session) Complete(diagnosis string) bool {
	return s.finish(StatusCompleted, diagnosis, "")
}

// Fail moves an active session to FAILED.
func (s *Session) Fail(message string) bool {
	return s.finish(StatusFailed, "", message)
}

// Cancel moves an active session to CANCELLED.
func (s *Session) Cancel() bool {
	return s.finish(StatusCancelled, "", "cancelled by request")
}

func (s *Session) finish(to Status, diagnosis, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = to
	s.diagnosis = diagnosis
	s.errorMessage = message
	s.updatedAt = time.Now().UTC()
	return true
}

// Snapshot returns a deep copy of the persisted shape.
func (s *Session) Snapshot() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]Step, len(s.steps))
	for i, st := range s.steps {
		steps[i] = st.clone()
	}
	return &Document{
		ID:           s.id,
		Scenario:     s.scenario,
		InputText:    s.inputText,
		Status:       s.status,
		Steps:        steps,
		Diagnosis:    s.diagnosis,
		ErrorMessage: s.errorMessage,
		RunMeta:      s.runMeta,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// Summary returns the listing view of the session.
func (s *Session) Summary() Summary {
	return s.Snapshot().Summary(SourceMemory)
}
