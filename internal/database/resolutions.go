package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const resolutionColumns = `r.id, r.conflict_id, r.session_id, r.conflict_type, r.severity, r.channel, r.strategy,
	r.authority, r.issue_ids, r.adjustments, r.elapsed_ms, r.within_budget, r.budget_exceeded,
	r.human_review, r.rationale, r.resolved_at`

// SaveResolution stores a resolution and applies its channel and window
// adjustments to the affected issues in one transaction.
func (db *DB) SaveResolution(ctx context.Context, r domain.Resolution) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resolutions (id, conflict_id, session_id, conflict_type, severity, channel, strategy,
			authority, issue_ids, adjustments, elapsed_ms, within_budget, budget_exceeded, human_review,
			rationale, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConflictID, r.SessionID, string(r.Type), string(r.Severity), r.Channel, string(r.Strategy),
		r.Authority, encodeJSON(r.IssueIDs), encodeJSON(r.Adjustments), r.Elapsed.Milliseconds(),
		boolInt(r.WithinBudget), boolInt(r.BudgetExceeded), boolInt(r.HumanReview),
		r.Rationale, formatTime(r.ResolvedAt),
	); err != nil {
		return fmt.Errorf("inserting resolution: %w", err)
	}

	for _, id := range r.IssueIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO resolution_issues (resolution_id, issue_id) VALUES (?, ?)`, r.ID, id,
		); err != nil {
			return fmt.Errorf("linking resolution: %w", err)
		}
	}

	for _, adj := range r.Adjustments {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET channels = ?, window_start = ?, window_end = ? WHERE id = ?`,
			encodeJSON(adj.Channels), formatTime(adj.Window.Start), formatTime(adj.Window.End), adj.IssueID,
		); err != nil {
			return fmt.Errorf("adjusting issue %s: %w", adj.IssueID, err)
		}
	}

	return tx.Commit()
}

// ResolutionsForSession returns a session's resolutions in the order they were made.
func (db *DB) ResolutionsForSession(ctx context.Context, sessionID string) ([]domain.Resolution, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions r WHERE r.session_id = ? ORDER BY r.resolved_at, r.rowid`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ResolutionForIssue returns the most recent resolution covering an issue
// within a session, or ErrNotFound if it was never in conflict.
func (db *DB) ResolutionForIssue(ctx context.Context, sessionID, issueID string) (*domain.Resolution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+resolutionColumns+` FROM resolutions r
		JOIN resolution_issues ri ON ri.resolution_id = r.id
		WHERE r.session_id = ? AND ri.issue_id = ?
		ORDER BY r.resolved_at DESC, r.rowid DESC LIMIT 1`, sessionID, issueID,
	)
	r, err := scanResolution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanResolution(row scanner) (*domain.Resolution, error) {
	var r domain.Resolution
	var typ, severity, strategy, issueIDs, resolved string
	var adjustments sql.NullString
	var elapsed int64
	var within, exceeded, human int
	if err := row.Scan(&r.ID, &r.ConflictID, &r.SessionID, &typ, &severity, &r.Channel, &strategy,
		&r.Authority, &issueIDs, &adjustments, &elapsed, &within, &exceeded, &human,
		&r.Rationale, &resolved); err != nil {
		return nil, err
	}
	r.Type = domain.ConflictType(typ)
	r.Severity = domain.Severity(severity)
	r.Strategy = domain.Strategy(strategy)
	if err := decodeJSON("resolutions.issue_ids", issueIDs, &r.IssueIDs); err != nil {
		return nil, err
	}
	if adjustments.Valid {
		if err := decodeJSON("resolutions.adjustments", adjustments.String, &r.Adjustments); err != nil {
			return nil, err
		}
	}
	r.Elapsed = time.Duration(elapsed) * time.Millisecond
	r.WithinBudget = within != 0
	r.BudgetExceeded = exceeded != 0
	r.HumanReview = human != 0
	r.ResolvedAt = parseTime(resolved)
	return &r, nil
}
