package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const memoryColumns = `id, organization, fingerprint, issue_id, decision_id, summary, category,
	mission, impact, risk, total, priority, outcome, outcome_note, recorded_at`

// MemoryRecords is the SQLite-backed institutional memory.
type MemoryRecords struct {
	db *DB
}

// Memory returns the memory record store backed by this database.
func (db *DB) Memory() *MemoryRecords {
	return &MemoryRecords{db: db}
}

// Append adds a record. Records are never updated or deleted.
func (m *MemoryRecords) Append(ctx context.Context, rec domain.MemoryRecord) error {
	tx, err := m.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertMemory(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// Latest returns the newest record for a fingerprint, or nil if none exists.
func (m *MemoryRecords) Latest(ctx context.Context, org, fingerprint string) (*domain.MemoryRecord, error) {
	row := m.db.conn.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_records
		WHERE organization = ? AND fingerprint = ?
		ORDER BY recorded_at DESC, seq DESC LIMIT 1`, org, fingerprint,
	)
	rec, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// History returns an organization's records, newest first.
func (m *MemoryRecords) History(ctx context.Context, org string, limit int) ([]domain.MemoryRecord, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_records WHERE organization = ? ORDER BY recorded_at DESC, seq DESC`
	args := []any{org}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := m.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ForDecision returns the newest record written for a decision.
func (m *MemoryRecords) ForDecision(ctx context.Context, decisionID string) (*domain.MemoryRecord, error) {
	row := m.db.conn.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_records WHERE decision_id = ?
		ORDER BY recorded_at DESC, seq DESC LIMIT 1`, decisionID,
	)
	rec, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func insertMemory(ctx context.Context, tx *sql.Tx, r domain.MemoryRecord) error {
	var outcome sql.NullInt64
	if r.Outcome != nil {
		outcome = sql.NullInt64{Int64: int64(*r.Outcome), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_records (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Organization, r.Fingerprint, r.IssueID, r.DecisionID, r.Summary, r.Category,
		r.Mission, r.Impact, r.Risk, r.Total, string(r.Priority), outcome, r.OutcomeNote,
		formatTime(r.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting memory record: %w", err)
	}
	return nil
}

func scanMemory(row scanner) (*domain.MemoryRecord, error) {
	var r domain.MemoryRecord
	var priority, recorded string
	var outcome sql.NullInt64
	if err := row.Scan(&r.ID, &r.Organization, &r.Fingerprint, &r.IssueID, &r.DecisionID, &r.Summary,
		&r.Category, &r.Mission, &r.Impact, &r.Risk, &r.Total, &priority, &outcome, &r.OutcomeNote,
		&recorded); err != nil {
		return nil, err
	}
	r.Priority = domain.Priority(priority)
	if outcome.Valid {
		v := int(outcome.Int64)
		r.Outcome = &v
	}
	r.RecordedAt = parseTime(recorded)
	return &r, nil
}
