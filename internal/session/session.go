// Package session manages the lifecycle of processing sessions: start,
// pause with checkpoint, resume, completion and archival.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// StateError is returned for an operation the session's state does not allow.
// The session is left unchanged.
type StateError struct {
	SessionID string
	State     domain.SessionState
	Op        string
	Reason    string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("cannot %s session %s in state %s", e.Op, e.SessionID, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Store persists sessions and their audit trails.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session, entry domain.AuditEntry) error
	TransitionSession(ctx context.Context, id string, from, to domain.SessionState, checkpoint domain.Checkpoint, entry domain.AuditEntry) error
	AppendAudit(ctx context.Context, sessionID string, entry domain.AuditEntry) (int, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	AdvanceIssueStage(ctx context.Context, sessionID, issueID string, stage domain.Stage) error
	SetRetryPending(ctx context.Context, sessionID, issueID string, pending bool) error
}

// tracker holds the in-flight operations of one session in this process.
type tracker struct {
	paused  bool
	wg      sync.WaitGroup
	next    int
	cancels map[int]context.CancelFunc
}

// Manager owns session state transitions.
type Manager struct {
	store Store
	now   func() time.Time

	mu   sync.Mutex
	live map[string]*tracker
}

// NewManager creates a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now, live: make(map[string]*tracker)}
}

func (m *Manager) tracker(id string) *tracker {
	t, ok := m.live[id]
	if !ok {
		t = &tracker{cancels: make(map[int]context.CancelFunc)}
		m.live[id] = t
	}
	return t
}

func (m *Manager) entry(actor string, from, to domain.SessionState, detail string) domain.AuditEntry {
	return domain.AuditEntry{Event: domain.EventTransition, Actor: actor, From: from, To: to, Detail: detail, At: m.now().UTC()}
}

// Start creates an ACTIVE session for an organization.
func (m *Manager) Start(ctx context.Context, org, actor string) (*domain.Session, error) {
	now := m.now().UTC()
	s := domain.Session{
		ID:           uuid.NewString(),
		Organization: org,
		State:        domain.SessionActive,
		Progress:     domain.Checkpoint{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateSession(ctx, s, m.entry(actor, "", domain.SessionActive, "session started")); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	log.Printf("Session %s started for %s", s.ID, org)
	return m.store.GetSession(ctx, s.ID)
}

// Get loads a session with its audit trail.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns all sessions without audit trails.
func (m *Manager) List(ctx context.Context) ([]domain.Session, error) {
	return m.store.ListSessions(ctx)
}

// Track registers an in-flight operation on an ACTIVE session. The returned
// context is cancelled when the session is paused; done must be called when
// the operation ends.
func (m *Manager) Track(ctx context.Context, id string) (context.Context, func(), error) {
	m.mu.Lock()
	t := m.tracker(id)
	if t.paused {
		m.mu.Unlock()
		return nil, nil, &StateError{SessionID: id, State: domain.SessionPaused, Op: "track"}
	}
	opCtx, cancel := context.WithCancel(ctx)
	key := t.next
	t.next++
	t.cancels[key] = cancel
	t.wg.Add(1)
	m.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(t.cancels, key)
			m.mu.Unlock()
			cancel()
			t.wg.Done()
		})
	}

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		done()
		return nil, nil, err
	}
	if s.State != domain.SessionActive {
		done()
		return nil, nil, &StateError{SessionID: id, State: s.State, Op: "track"}
	}
	return opCtx, done, nil
}

// Pause quiesces an ACTIVE session: new operations are refused, in-flight
// ones are cancelled and awaited, then PAUSED is stored together with the
// per-issue stage checkpoint. Pausing a PAUSED session is a no-op.
func (m *Manager) Pause(ctx context.Context, id, actor string) (*domain.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case domain.SessionPaused:
		return s, nil
	case domain.SessionActive:
	default:
		return nil, &StateError{SessionID: id, State: s.State, Op: "pause"}
	}

	m.mu.Lock()
	t := m.tracker(id)
	t.paused = true
	for _, cancel := range t.cancels {
		cancel()
	}
	m.mu.Unlock()
	t.wg.Wait()

	// Progress is final once in-flight work has stopped.
	s, err = m.store.GetSession(ctx, id)
	if err != nil {
		m.unpause(id)
		return nil, err
	}
	checkpoint := s.Progress.Clone()
	detail := fmt.Sprintf("checkpoint of %d issues", len(checkpoint))
	err = m.store.TransitionSession(ctx, id, domain.SessionActive, domain.SessionPaused, checkpoint, m.entry(actor, domain.SessionActive, domain.SessionPaused, detail))
	if errors.Is(err, database.ErrStaleState) {
		current, gerr := m.store.GetSession(ctx, id)
		if gerr == nil && current.State == domain.SessionPaused {
			return current, nil
		}
		m.unpause(id)
		state := s.State
		if gerr == nil {
			state = current.State
		}
		return nil, &StateError{SessionID: id, State: state, Op: "pause"}
	}
	if err != nil {
		m.unpause(id)
		return nil, fmt.Errorf("pausing session: %w", err)
	}
	log.Printf("Session %s paused (%s)", id, detail)
	return m.store.GetSession(ctx, id)
}

func (m *Manager) unpause(id string) {
	m.mu.Lock()
	m.tracker(id).paused = false
	m.mu.Unlock()
}

// Resume reactivates a PAUSED session and returns the stored checkpoint.
// Resuming an ACTIVE session is a no-op that returns its current progress.
func (m *Manager) Resume(ctx context.Context, id, actor string) (domain.Checkpoint, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case domain.SessionActive:
		return s.Progress.Clone(), nil
	case domain.SessionPaused:
	default:
		return nil, &StateError{SessionID: id, State: s.State, Op: "resume"}
	}

	err = m.store.TransitionSession(ctx, id, domain.SessionPaused, domain.SessionActive, nil,
		m.entry(actor, domain.SessionPaused, domain.SessionActive, fmt.Sprintf("restored checkpoint of %d issues", len(s.Checkpoint))))
	if errors.Is(err, database.ErrStaleState) {
		return nil, &StateError{SessionID: id, State: s.State, Op: "resume", Reason: "state changed concurrently"}
	}
	if err != nil {
		return nil, fmt.Errorf("resuming session: %w", err)
	}
	m.unpause(id)
	log.Printf("Session %s resumed", id)
	return s.Checkpoint.Clone(), nil
}

// Complete moves an ACTIVE session whose issues are all routed to RESOLVED.
func (m *Manager) Complete(ctx context.Context, id, actor string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.State != domain.SessionActive {
		return &StateError{SessionID: id, State: s.State, Op: "complete"}
	}
	if !s.AllRouted() {
		return &StateError{SessionID: id, State: s.State, Op: "complete", Reason: "issues still in flight"}
	}
	err = m.store.TransitionSession(ctx, id, domain.SessionActive, domain.SessionResolved, nil,
		m.entry(actor, domain.SessionActive, domain.SessionResolved, fmt.Sprintf("%d issues routed", len(s.IssueIDs))))
	if errors.Is(err, database.ErrStaleState) {
		return &StateError{SessionID: id, State: s.State, Op: "complete", Reason: "state changed concurrently"}
	}
	if err != nil {
		return err
	}
	m.forget(id)
	return nil
}

// Archive retires a RESOLVED session. ARCHIVED is terminal.
func (m *Manager) Archive(ctx context.Context, id, actor string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.State != domain.SessionResolved {
		return &StateError{SessionID: id, State: s.State, Op: "archive"}
	}
	err = m.store.TransitionSession(ctx, id, domain.SessionResolved, domain.SessionArchived, nil,
		m.entry(actor, domain.SessionResolved, domain.SessionArchived, ""))
	if errors.Is(err, database.ErrStaleState) {
		return &StateError{SessionID: id, State: s.State, Op: "archive", Reason: "state changed concurrently"}
	}
	return err
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// RecordProgress marks an issue as having completed a stage.
func (m *Manager) RecordProgress(ctx context.Context, id, issueID string, stage domain.Stage) error {
	return m.store.AdvanceIssueStage(ctx, id, issueID, stage)
}

// RecordError appends an error entry to the audit trail. When retry is set
// the issue is flagged to be picked up again on the next cycle.
func (m *Manager) RecordError(ctx context.Context, id, issueID, stage, class string, cause error, retry bool) error {
	if retry && issueID != "" {
		if err := m.store.SetRetryPending(ctx, id, issueID, true); err != nil {
			return err
		}
	}
	_, err := m.store.AppendAudit(ctx, id, domain.AuditEntry{
		Event:   domain.EventError,
		Actor:   "pipeline",
		IssueID: issueID,
		Stage:   stage,
		Detail:  class + ": " + cause.Error(),
		At:      m.now().UTC(),
	})
	return err
}

// RecordEvent appends a non-transition audit entry such as an escalation.
func (m *Manager) RecordEvent(ctx context.Context, id string, entry domain.AuditEntry) error {
	if entry.At.IsZero() {
		entry.At = m.now().UTC()
	}
	_, err := m.store.AppendAudit(ctx, id, entry)
	return err
}
