// Package manager owns the registry of investigation sessions: it starts runs,
// tracks them through their lifecycle and hands terminal sessions to the
// durable store.
//
// A session is resident in memory while it runs, for GracePeriod after it
// completes, and then in a bounded set of recent sessions. It leaves memory
// only once the store has accepted its final state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/coordinator"
	"github.com/drewfead/triage/internal/logging"
	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionTerminal = errors.New("session already finished")
	ErrShuttingDown    = errors.New("manager is shutting down")
	ErrEmptyInput      = errors.New("input text is required")
)

// Runner drives one session to a terminal state.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, prompt string, b *bridge.Bridge) coordinator.Outcome
}

// RunnerFactory returns a fresh Runner for each session.
type RunnerFactory func() Runner

// Options configure a Manager. Zero values select defaults.
type Options struct {
	GracePeriod    time.Duration
	MaxRecent      int
	HistoryLimit   int
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

const (
	defaultGracePeriod    = 5 * time.Minute
	defaultMaxRecent      = 50
	defaultHistoryLimit   = 50
	defaultPersistTimeout = 10 * time.Second
)

type residence int

const (
	residentActive residence = iota
	residentGrace
	residentRecent
)

type entry struct {
	sess   *session.Session
	bridge *bridge.Bridge
	where  residence
	grace  *time.Timer

	dirty     bool
	inflight  bool
	repersist bool
}

// Stats are registry counters.
type Stats struct {
	Active int `json:"active"`
	Grace  int `json:"grace"`
	Recent int `json:"recent"`
	Dirty  int `json:"dirty"`
}

// Manager is the session registry. Create one with New; there is no
// package-level instance.
type Manager struct {
	store     store.SessionStore
	newRunner RunnerFactory
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	writes sync.WaitGroup

	mu       sync.Mutex
	opts     Options
	resident map[string]*entry
	recent   []*entry // oldest first
	closing  bool
}

// New creates a Manager persisting to st.
func New(st store.SessionStore, newRunner RunnerFactory, opts Options) *Manager {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = defaultMaxRecent
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("manager")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		newRunner: newRunner,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		resident:  make(map[string]*entry),
	}
}

// Create registers a new ACTIVE session and starts its run on a worker
// goroutine. The returned bridge carries the run's events.
func (m *Manager) Create(input, scenario string) (*session.Session, *bridge.Bridge, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil, ErrEmptyInput
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	sess := session.New(input, scenario)
	e := &entry{sess: sess, bridge: bridge.New(), where: residentActive}
	m.resident[sess.ID()] = e
	m.runs.Add(1)
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", sess.ID(), "scenario", scenario)
	go m.run(e, input)
	return sess, e.bridge, nil
}

func (m *Manager) run(e *entry, prompt string) {
	defer m.runs.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "session_id", e.sess.ID())
			if e.sess.Fail(fmt.Sprintf("internal error: %v", r)) {
				_ = e.bridge.Emit(bridge.Event{Type: bridge.EventError, Payload: &bridge.ErrorPayload{
					Message: "internal error", Code: bridge.CodeFailed,
				}})
			}
			e.bridge.Close()
			m.finish(e)
		}
	}()

	out := m.newRunner().Run(m.ctx, e.sess, prompt, e.bridge)
	// A runner must end on a terminal event; close regardless so the
	// consumer is never left waiting.
	e.bridge.Close()
	m.logger.Info("session finished", "session_id", e.sess.ID(),
		"status", out.Status, "steps", out.Steps, "attempts", out.Attempts)
	m.finish(e)
}

// finish handles a terminal transition.
func (m *Manager) finish(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e.sess.Status() {
	case session.StatusCompleted:
		e.where = residentGrace
		m.persistLocked(e)
		if !m.closing {
			id := e.sess.ID()
			e.grace = time.AfterFunc(m.opts.GracePeriod, func() { m.expire(id) })
		}
	case session.StatusActive:
		// The runner returned without a terminal state.
		e.sess.Fail("run ended without a result")
		m.toRecentLocked(e)
	default:
		m.toRecentLocked(e)
	}
}

// expire moves a completed session out of its grace period.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resident[id]
	if !ok || e.where != residentGrace {
		return
	}
	m.logger.Debug("grace period over", "session_id", id)
	m.toRecentLocked(e)
}

func (m *Manager) toRecentLocked(e *entry) {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
	delete(m.resident, e.sess.ID())
	e.where = residentRecent
	m.recent = append(m.recent, e)
	m.persistLocked(e)
	m.trimLocked()
}

// trimLocked evicts the oldest recent sessions beyond MaxRecent. Only clean
// entries may leave; dirty ones are written again and stay until they land.
func (m *Manager) trimLocked() {
	for len(m.recent) > m.opts.MaxRecent {
		victim := -1
		for i, e := range m.recent {
			if !e.dirty && !e.inflight {
				victim = i
				break
			}
			if e.dirty && !e.inflight {
				m.persistLocked(e)
			}
		}
		if victim < 0 {
			return
		}
		m.logger.Debug("evicting session", "session_id", m.recent[victim].sess.ID())
		m.recent = append(m.recent[:victim], m.recent[victim+1:]...)
	}
}

// persistLocked writes the session's current state to the store on a
// detached goroutine.
func (m *Manager) persistLocked(e *entry) {
	e.dirty = true
	if e.inflight {
		e.repersist = true
		return
	}
	e.inflight = true
	doc := e.sess.Snapshot()

	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		err := m.upsert(doc)

		m.mu.Lock()
		defer m.mu.Unlock()
		e.inflight = false
		if err == nil && doc.UpdatedAt.Equal(e.sess.UpdatedAt()) && doc.Status == e.sess.Status() {
			e.dirty = false
		}
		if e.repersist {
			e.repersist = false
			m.persistLocked(e)
			return
		}
		if err == nil {
			m.trimLocked()
		}
	}()
}

func (m *Manager) upsert(doc *session.Document) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout())
	defer cancel()
	if err := m.store.Upsert(ctx, doc); err != nil {
		m.logger.Error("persist session failed", "session_id", doc.ID, "status", doc.Status, "error", err)
		return err
	}
	m.logger.Debug("session persisted", "session_id", doc.ID, "status", doc.Status)
	return nil
}

func (m *Manager) persistTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.PersistTimeout
}

func (m *Manager) lookupLocked(id string) (*entry, bool) {
	if e, ok := m.resident[id]; ok {
		return e, true
	}
	for _, e := range m.recent {
		if e.sess.ID() == id {
			return e, true
		}
	}
	return nil, false
}

// Get returns a session resident in memory.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookupLocked(id)
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Lookup returns a session's document from memory, falling back to the store.
func (m *Manager) Lookup(ctx context.Context, id string) (*session.Document, session.Source, error) {
	if sess, ok := m.Get(id); ok {
		return sess.Snapshot(), session.SourceMemory, nil
	}
	doc, err := store.Get(ctx, m.store, id)
	if err != nil {
		return nil, "", fmt.Errorf("lookup session %s: %w", id, err)
	}
	if doc == nil {
		return nil, "", ErrSessionNotFound
	}
	return doc, session.SourceStore, nil
}

// ListAll summarizes resident sessions, newest first. An empty scenario
// matches all.
func (m *Manager) ListAll(scenario string) []session.Summary {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.resident)+len(m.recent))
	for _, e := range m.resident {
		entries = append(entries, e)
	}
	entries = append(entries, m.recent...)
	m.mu.Unlock()

	out := make([]session.Summary, 0, len(entries))
	for _, e := range entries {
		if scenario != "" && e.sess.Scenario() != scenario {
			continue
		}
		out = append(out, e.sess.Summary())
	}
	sortSummaries(out)
	return out
}

// ListAllWithHistory merges resident sessions with stored ones, newest first,
// capped at limit (HistoryLimit when limit <= 0). A store failure degrades to
// the in-memory view.
func (m *Manager) ListAllWithHistory(ctx context.Context, scenario string, limit int) []session.Summary {
	if limit <= 0 {
		m.mu.Lock()
		limit = m.opts.HistoryLimit
		m.mu.Unlock()
	}
	out := m.ListAll(scenario)
	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.ID
	}

	docs, err := m.store.Query(ctx, store.Filter{Scenario: scenario, ExcludeIDs: ids}, limit)
	if err != nil {
		m.logger.Warn("history query failed", "scenario", scenario, "error", err)
	}
	for _, d := range docs {
		out = append(out, d.Summary(session.SourceStore))
	}
	sortSummaries(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel requests cooperative cancellation of an active session. Repeated
// requests for the same session succeed.
func (m *Manager) Cancel(id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status().Terminal() {
		return ErrSessionTerminal
	}
	if sess.RequestCancel() {
		m.logger.Info("cancellation requested", "session_id", id)
	}
	return nil
}

// Stats returns registry counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, e := range m.resident {
		if e.where == residentGrace {
			st.Grace++
		} else {
			st.Active++
		}
		if e.dirty {
			st.Dirty++
		}
	}
	st.Recent = len(m.recent)
	for _, e := range m.recent {
		if e.dirty {
			st.Dirty++
		}
	}
	return st
}

// SetGracePeriod changes the grace period for sessions completing from now on.
func (m *Manager) SetGracePeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.opts.GracePeriod = d
	m.mu.Unlock()
}

// Shutdown stops accepting sessions, cancels active runs, waits for workers
// and flushes every session not yet written. If ctx ends first, runs are
// aborted and the remaining writes are abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	for _, e := range m.resident {
		if e.where == residentActive {
			e.sess.RequestCancel()
		}
	}
	m.mu.Unlock()

	if err := waitGroup(ctx, &m.runs); err != nil {
		m.cancel()
		return fmt.Errorf("waiting for runs: %w", err)
	}
	m.cancel()

	m.mu.Lock()
	for _, e := range m.resident {
		if e.grace != nil {
			e.grace.Stop()
			e.grace = nil
		}
	}
	m.mu.Unlock()

	if err := waitGroup(ctx, &m.writes); err != nil {
		return fmt.Errorf("waiting for writes: %w", err)
	}
	return m.flush(ctx)
}

// Abort cancels the context of every run. Runs end as cancelled.
func (m *Manager) Abort() {
	m.cancel()
}

// flush synchronously writes every dirty session once more.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	var pending []*entry
	for _, e := range m.resident {
		if e.dirty {
			pending = append(pending, e)
		}
	}
	for _, e := range m.recent {
		if e.dirty {
			pending = append(pending, e)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		doc := e.sess.Snapshot()
		if err := m.upsert(doc); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", doc.ID, err))
			continue
		}
		m.mu.Lock()
		e.dirty = false
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortSummaries(s []session.Summary) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
