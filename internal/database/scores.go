package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// InsertScore stores a score. Re-scoring an issue inserts another row; the latest one is current.
func (db *DB) InsertScore(ctx context.Context, s domain.Score) error {
	if !s.Valid() {
		return fmt.Errorf("score %s violates component bounds", s.ID)
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO scores (id, issue_id, mission, impact, risk, total, rationale, method, precedent_id, adjustment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.IssueID, s.MissionAlignment, s.Impact, s.Risk, s.Total, s.Rationale, string(s.Method),
		s.PrecedentID, s.Adjustment, formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting score: %w", err)
	}
	return nil
}

// LatestScore returns the current score of an issue.
func (db *DB) LatestScore(ctx context.Context, issueID string) (*domain.Score, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, issue_id, mission, impact, risk, total, rationale, method, precedent_id, adjustment, created_at
		FROM scores WHERE issue_id = ? ORDER BY seq DESC LIMIT 1`, issueID,
	)
	s, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetScore returns a score by ID.
func (db *DB) GetScore(ctx context.Context, id string) (*domain.Score, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, issue_id, mission, impact, risk, total, rationale, method, precedent_id, adjustment, created_at
		FROM scores WHERE id = ?`, id,
	)
	s, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// CountScores returns how many score rows exist for an issue.
func (db *DB) CountScores(ctx context.Context, issueID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM scores WHERE issue_id = ?`, issueID).Scan(&n)
	return n, err
}

func scanScore(row scanner) (*domain.Score, error) {
	var s domain.Score
	var method, created string
	if err := row.Scan(&s.ID, &s.IssueID, &s.MissionAlignment, &s.Impact, &s.Risk, &s.Total,
		&s.Rationale, &method, &s.PrecedentID, &s.Adjustment, &created); err != nil {
		return nil, err
	}
	s.Method = domain.ScoreMethod(method)
	s.CreatedAt = parseTime(created)
	return &s, nil
}
