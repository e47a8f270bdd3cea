package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const issueColumns = `id, title, content, source, url, observed_at, urgency, matched_keywords,
	channels, audiences, window_start, window_end, category, fingerprint`

// SaveIssue inserts an issue. Returns false if an issue with the same ID already exists.
func (db *DB) SaveIssue(ctx context.Context, i domain.Issue) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO issues (`+issueColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.Title, i.Content, i.Source, i.URL, formatTime(i.ObservedAt), string(i.Urgency),
		encodeJSON(i.MatchedKeywords), encodeJSON(i.Channels), encodeJSON(i.Audiences),
		formatTime(i.Window.Start), formatTime(i.Window.End), i.Category, i.Fingerprint,
		formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("inserting issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetIssue returns an issue by ID.
func (db *DB) GetIssue(ctx context.Context, id string) (*domain.Issue, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	i, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

// SessionIssues returns the issues of a session in intake order.
func (db *DB) SessionIssues(ctx context.Context, sessionID string) ([]domain.Issue, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT i.id, i.title, i.content, i.source, i.url, i.observed_at, i.urgency, i.matched_keywords,
			i.channels, i.audiences, i.window_start, i.window_end, i.category, i.fingerprint
		FROM issues i JOIN session_issues si ON si.issue_id = i.id
		WHERE si.session_id = ? ORDER BY si.seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *i)
	}
	return issues, rows.Err()
}

func scanIssue(row scanner) (*domain.Issue, error) {
	var i domain.Issue
	var observed, urgency, keywords, channels, audiences, start, end string
	if err := row.Scan(&i.ID, &i.Title, &i.Content, &i.Source, &i.URL, &observed, &urgency, &keywords,
		&channels, &audiences, &start, &end, &i.Category, &i.Fingerprint); err != nil {
		return nil, err
	}
	i.ObservedAt = parseTime(observed)
	i.Urgency = domain.Urgency(urgency)
	for _, col := range []struct {
		name string
		raw  string
		dst  *[]string
	}{
		{"issues.matched_keywords", keywords, &i.MatchedKeywords},
		{"issues.channels", channels, &i.Channels},
		{"issues.audiences", audiences, &i.Audiences},
	} {
		if err := decodeJSON(col.name, col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	i.Window = domain.TimeWindow{Start: parseTime(start), End: parseTime(end)}
	return &i, nil
}
