package database

import "context"

// GetStats returns aggregate counts across all tables.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.Sessions, "SELECT COUNT(*) FROM sessions"},
		{&s.ActiveSessions, "SELECT COUNT(*) FROM sessions WHERE state = 'ACTIVE'"},
		{&s.PausedSessions, "SELECT COUNT(*) FROM sessions WHERE state = 'PAUSED'"},
		{&s.ResolvedSessions, "SELECT COUNT(*) FROM sessions WHERE state = 'RESOLVED'"},
		{&s.ArchivedSessions, "SELECT COUNT(*) FROM sessions WHERE state = 'ARCHIVED'"},
		{&s.Issues, "SELECT COUNT(*) FROM issues"},
		{&s.Scores, "SELECT COUNT(*) FROM scores"},
		{&s.Resolutions, "SELECT COUNT(*) FROM resolutions"},
		{&s.Escalations, "SELECT COUNT(*) FROM resolutions WHERE strategy = 'escalate'"},
		{&s.Decisions, "SELECT COUNT(*) FROM decisions"},
		{&s.HumanReviews, "SELECT COUNT(*) FROM decisions WHERE human_review = 1"},
		{&s.MemoryRecords, "SELECT COUNT(*) FROM memory_records"},
		{&s.Outcomes, "SELECT COUNT(*) FROM memory_records WHERE outcome IS NOT NULL"},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
