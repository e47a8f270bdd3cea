package database

// Stats contains aggregate database statistics.
type Stats struct {
	Sessions         int
	ActiveSessions   int
	PausedSessions   int
	ResolvedSessions int
	ArchivedSessions int
	Issues           int
	Scores           int
	Resolutions      int
	Escalations      int
	Decisions        int
	HumanReviews     int
	MemoryRecords    int
	Outcomes         int
}

// SessionCounts returns the number of sessions per state.
func (s Stats) SessionCounts() map[string]int {
	return map[string]int{
		"ACTIVE":   s.ActiveSessions,
		"PAUSED":   s.PausedSessions,
		"RESOLVED": s.ResolvedSessions,
		"ARCHIVED": s.ArchivedSessions,
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
