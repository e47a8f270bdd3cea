package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const decisionColumns = `id, issue_id, score_id, session_id, resolution_id, priority, routing, human_review,
	authority, timeline, timeline_bound_ms, resources, action_plan, score_total, decided_at`

// RecordDecision writes a decision and its memory record atomically. The
// referenced score must exist.
func (db *DB) RecordDecision(ctx context.Context, d domain.Decision, rec domain.MemoryRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var scoreIssue string
	err = tx.QueryRowContext(ctx, `SELECT issue_id FROM scores WHERE id = ?`, d.ScoreID).Scan(&scoreIssue)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("score %s: %w", d.ScoreID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if scoreIssue != d.IssueID {
		return fmt.Errorf("score %s belongs to issue %s, not %s", d.ScoreID, scoreIssue, d.IssueID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.IssueID, d.ScoreID, d.SessionID, d.ResolutionID, string(d.Priority), string(d.Routing),
		boolInt(d.HumanReview), d.Authority, d.Timeline, d.TimelineBound.Milliseconds(),
		encodeJSON(d.Resources), encodeJSON(d.ActionPlan), d.ScoreTotal, formatTime(d.DecidedAt),
	); err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	if err := insertMemory(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDecision returns a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id string) (*domain.Decision, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// DecisionForIssue returns the decision recorded for an issue.
func (db *DB) DecisionForIssue(ctx context.Context, issueID string) (*domain.Decision, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE issue_id = ?`, issueID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDecisions returns decisions, newest first. An empty sessionID lists all sessions.
func (db *DB) ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY decided_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDecision(row scanner) (*domain.Decision, error) {
	var d domain.Decision
	var priority, routing, resources, plan, decided string
	var human int
	var bound int64
	if err := row.Scan(&d.ID, &d.IssueID, &d.ScoreID, &d.SessionID, &d.ResolutionID, &priority, &routing,
		&human, &d.Authority, &d.Timeline, &bound, &resources, &plan, &d.ScoreTotal, &decided); err != nil {
		return nil, err
	}
	d.Priority = domain.Priority(priority)
	d.Routing = domain.Routing(routing)
	d.HumanReview = human != 0
	d.TimelineBound = time.Duration(bound) * time.Millisecond
	if err := decodeJSON("decisions.resources", resources, &d.Resources); err != nil {
		return nil, err
	}
	if err := decodeJSON("decisions.action_plan", plan, &d.ActionPlan); err != nil {
		return nil, err
	}
	d.DecidedAt = parseTime(decided)
	return &d, nil
}
