package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// CreateSession inserts a new session together with its first audit entry.
func (db *DB) CreateSession(ctx context.Context, s domain.Session, entry domain.AuditEntry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, organization, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Organization, string(s.State), formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	if _, err := appendAudit(ctx, tx, s.ID, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionSession moves a session from one state to another and appends
// the audit entry in the same transaction. A non-nil checkpoint replaces the
// stored one. ErrStaleState is returned if the session is no longer in from.
func (db *DB) TransitionSession(ctx context.Context, id string, from, to domain.SessionState, checkpoint domain.Checkpoint, entry domain.AuditEntry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE sessions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`
	args := []any{string(to), formatTime(entry.At), id, string(from)}
	if checkpoint != nil {
		query = `UPDATE sessions SET state = ?, updated_at = ?, checkpoint = ? WHERE id = ? AND state = ?`
		args = []any{string(to), formatTime(entry.At), encodeJSON(checkpoint), id, string(from)}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	if _, err := appendAudit(ctx, tx, id, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendAudit adds an entry to a session's audit trail and returns its sequence number.
func (db *DB) AppendAudit(ctx context.Context, sessionID string, entry domain.AuditEntry) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	seq, err := appendAudit(ctx, tx, sessionID, entry)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit()
}

func appendAudit(ctx context.Context, tx *sql.Tx, sessionID string, e domain.AuditEntry) (int, error) {
	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next audit seq: %w", err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (session_id, seq, event, actor, from_state, to_state, issue_id, stage, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, e.Event, e.Actor, string(e.From), string(e.To), e.IssueID, e.Stage, e.Detail, formatTime(e.At),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting audit entry: %w", err)
	}
	return seq, nil
}

// GetSession loads a session with its issues, progress and audit trail.
func (db *DB) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, organization, state, checkpoint, created_at, updated_at FROM sessions WHERE id = ?`, id,
	)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadSessionIssues(ctx, s); err != nil {
		return nil, err
	}
	audit, err := db.AuditTrail(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Audit = audit
	return s, nil
}

// ListSessions returns all sessions, newest first, without their audit trails.
func (db *DB) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, organization, state, checkpoint, created_at, updated_at FROM sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		if err := db.loadSessionIssues(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// ListSessionsByState returns the IDs of sessions in the given state.
func (db *DB) ListSessionsByState(ctx context.Context, state domain.SessionState) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM sessions WHERE state = ? ORDER BY created_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AuditTrail returns a session's audit entries in sequence order.
func (db *DB) AuditTrail(ctx context.Context, sessionID string) ([]domain.AuditEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT seq, event, actor, from_state, to_state, issue_id, stage, detail, at
		FROM audit_entries WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var from, to, at string
		if err := rows.Scan(&e.Seq, &e.Event, &e.Actor, &from, &to, &e.IssueID, &e.Stage, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.From = domain.SessionState(from)
		e.To = domain.SessionState(to)
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddSessionIssue attaches an issue to an ACTIVE session at the ingested
// stage. Re-adding an issue already in the session is a no-op; the second
// result reports whether the issue was newly attached. Other states return
// domain.ErrSessionNotActive.
func (db *DB) AddSessionIssue(ctx context.Context, sessionID, issueID string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if domain.SessionState(state) != domain.SessionActive {
		return false, fmt.Errorf("session %s is %s: %w", sessionID, state, domain.ErrSessionNotActive)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_issues WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_issues (session_id, issue_id, seq, stage) VALUES (?, ?, ?, ?)`,
		sessionID, issueID, seq, int(domain.StageIngested),
	)
	if err != nil {
		return false, fmt.Errorf("attaching issue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, tx.Commit()
}

// AdvanceIssueStage records that an issue completed a stage. Stages never
// move backwards. It also clears the retry flag.
func (db *DB) AdvanceIssueStage(ctx context.Context, sessionID, issueID string, stage domain.Stage) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE session_issues SET stage = MAX(stage, ?), retry_pending = 0 WHERE session_id = ? AND issue_id = ?`,
		int(stage), sessionID, issueID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRetryPending flags an issue for retry on the next cycle.
func (db *DB) SetRetryPending(ctx context.Context, sessionID, issueID string, pending bool) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE session_issues SET retry_pending = ? WHERE session_id = ? AND issue_id = ?`,
		boolInt(pending), sessionID, issueID,
	)
	return err
}

func (db *DB) loadSessionIssues(ctx context.Context, s *domain.Session) error {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT issue_id, stage, retry_pending FROM session_issues WHERE session_id = ? ORDER BY seq`, s.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.IssueIDs = nil
	s.RetryPending = nil
	s.Progress = domain.Checkpoint{}
	for rows.Next() {
		var issueID string
		var stage, retry int
		if err := rows.Scan(&issueID, &stage, &retry); err != nil {
			return err
		}
		s.IssueIDs = append(s.IssueIDs, issueID)
		s.Progress[issueID] = domain.Stage(stage)
		if retry != 0 {
			s.RetryPending = append(s.RetryPending, issueID)
		}
	}
	return rows.Err()
}

func scanSession(row scanner) (*domain.Session, error) {
	var s domain.Session
	var state, created, updated string
	var checkpoint sql.NullString
	if err := row.Scan(&s.ID, &s.Organization, &state, &checkpoint, &created, &updated); err != nil {
		return nil, err
	}
	s.State = domain.SessionState(state)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	if checkpoint.Valid {
		s.Checkpoint = domain.Checkpoint{}
		if err := decodeJSON("sessions.checkpoint", checkpoint.String, &s.Checkpoint); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
