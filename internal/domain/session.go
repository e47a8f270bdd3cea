package domain

import (
	"errors"
	"time"
)

// ErrSessionNotActive is returned when work is attached to a session that is
// not ACTIVE.
var ErrSessionNotActive = errors.New("session is not active")

// SessionState is the lifecycle state of a processing run.
type SessionState string

const (
	SessionActive   SessionState = "ACTIVE"
	SessionPaused   SessionState = "PAUSED"
	SessionResolved SessionState = "RESOLVED"
	SessionArchived SessionState = "ARCHIVED"
)

// Stage is the last pipeline stage an issue has completed.
type Stage int

const (
	StageIngested Stage = iota + 1
	StageScored
	StageResolved
	StageRouted
)

func (s Stage) String() string {
	switch s {
	case StageIngested:
		return "ingested"
	case StageScored:
		return "scored"
	case StageResolved:
		return "resolved"
	case StageRouted:
		return "routed"
	}
	return "unknown"
}

// Checkpoint maps issue IDs to their last completed stage.
type Checkpoint map[string]Stage

// Clone copies the checkpoint.
func (c Checkpoint) Clone() Checkpoint {
	out := make(Checkpoint, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Audit event kinds.
const (
	EventTransition = "transition"
	EventError      = "error"
	EventCheckpoint = "checkpoint"
	EventEscalation = "escalation"
)

// AuditEntry is one append-only line of a session's audit trail.
type AuditEntry struct {
	Seq     int          `json:"seq"`
	Event   string       `json:"event"`
	Actor   string       `json:"actor"`
	From    SessionState `json:"from,omitempty"`
	To      SessionState `json:"to,omitempty"`
	IssueID string       `json:"issue_id,omitempty"`
	Stage   string       `json:"stage,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	At      time.Time    `json:"at"`
}

// Session wraps the issues moving through one processing cycle.
type Session struct {
	ID           string       `json:"id"`
	Organization string       `json:"organization"`
	State        SessionState `json:"state"`
	IssueIDs     []string     `json:"issue_ids"`
	Progress     Checkpoint   `json:"progress"`
	Checkpoint   Checkpoint   `json:"checkpoint,omitempty"`
	RetryPending []string     `json:"retry_pending,omitempty"`
	Audit        []AuditEntry `json:"audit,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// AllRouted reports whether every issue in the session has a decision.
func (s Session) AllRouted() bool {
	for _, id := range s.IssueIDs {
		if s.Progress[id] < StageRouted {
			return false
		}
	}
	return true
}
