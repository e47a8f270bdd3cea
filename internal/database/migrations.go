package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    organization TEXT NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('ACTIVE', 'PAUSED', 'RESOLVED', 'ARCHIVED')),
    checkpoint TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    source TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    observed_at TEXT NOT NULL,
    urgency TEXT NOT NULL CHECK(urgency IN ('low', 'medium', 'high')),
    matched_keywords TEXT,
    channels TEXT NOT NULL,
    audiences TEXT,
    window_start TEXT NOT NULL,
    window_end TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_issues (
    session_id TEXT NOT NULL REFERENCES sessions(id),
    issue_id TEXT NOT NULL REFERENCES issues(id),
    seq INTEGER NOT NULL,
    stage INTEGER NOT NULL DEFAULT 1,
    retry_pending INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, issue_id)
);

CREATE TABLE IF NOT EXISTS audit_entries (
    session_id TEXT NOT NULL REFERENCES sessions(id),
    seq INTEGER NOT NULL,
    event TEXT NOT NULL,
    actor TEXT NOT NULL,
    from_state TEXT NOT NULL DEFAULT '',
    to_state TEXT NOT NULL DEFAULT '',
    issue_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    at TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS scores (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT UNIQUE NOT NULL,
    issue_id TEXT NOT NULL REFERENCES issues(id),
    mission INTEGER NOT NULL CHECK(mission BETWEEN 0 AND 15),
    impact INTEGER NOT NULL CHECK(impact BETWEEN 0 AND 15),
    risk INTEGER NOT NULL CHECK(risk BETWEEN 0 AND 15),
    total INTEGER NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL,
    precedent_id TEXT NOT NULL DEFAULT '',
    adjustment INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    CHECK(total = mission + impact + risk)
);

CREATE TABLE IF NOT EXISTS resolutions (
    id TEXT PRIMARY KEY,
    conflict_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    conflict_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    channel TEXT NOT NULL DEFAULT '',
    strategy TEXT NOT NULL,
    authority TEXT NOT NULL,
    issue_ids TEXT NOT NULL,
    adjustments TEXT,
    elapsed_ms INTEGER NOT NULL,
    within_budget INTEGER NOT NULL,
    budget_exceeded INTEGER NOT NULL,
    human_review INTEGER NOT NULL,
    rationale TEXT NOT NULL DEFAULT '',
    resolved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS resolution_issues (
    resolution_id TEXT NOT NULL REFERENCES resolutions(id),
    issue_id TEXT NOT NULL,
    PRIMARY KEY (resolution_id, issue_id)
);

CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    issue_id TEXT UNIQUE NOT NULL REFERENCES issues(id),
    score_id TEXT NOT NULL REFERENCES scores(id),
    session_id TEXT NOT NULL,
    resolution_id TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL CHECK(priority IN ('P0', 'P1', 'P2', 'P3')),
    routing TEXT NOT NULL,
    human_review INTEGER NOT NULL,
    authority TEXT NOT NULL,
    timeline TEXT NOT NULL,
    timeline_bound_ms INTEGER NOT NULL DEFAULT 0,
    resources TEXT,
    action_plan TEXT,
    score_total INTEGER NOT NULL,
    decided_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT UNIQUE NOT NULL,
    organization TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    issue_id TEXT NOT NULL DEFAULT '',
    decision_id TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    mission INTEGER NOT NULL,
    impact INTEGER NOT NULL,
    risk INTEGER NOT NULL,
    total INTEGER NOT NULL,
    priority TEXT NOT NULL DEFAULT '',
    outcome INTEGER,
    outcome_note TEXT NOT NULL DEFAULT '',
    recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_issues_session ON session_issues(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_scores_issue ON scores(issue_id);
CREATE INDEX IF NOT EXISTS idx_resolutions_session ON resolutions(session_id);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "memory lookup indexes",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_memory_fingerprint ON memory_records(organization, fingerprint, recorded_at);
CREATE INDEX IF NOT EXISTS idx_memory_decision ON memory_records(decision_id);
CREATE INDEX IF NOT EXISTS idx_resolution_issues_issue ON resolution_issues(issue_id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
