package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(i int) *int { return &i }

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testIssue(id string) domain.Issue {
	return domain.Issue{
		ID:          id,
		Title:       "Issue " + id,
		Content:     "Water contamination reported near school",
		Source:      "test",
		ObservedAt:  t0,
		Urgency:     domain.UrgencyHigh,
		Channels:    []string{"email", "social"},
		Audiences:   []string{"members"},
		Window:      domain.TimeWindow{Start: t0, End: t0.Add(2 * time.Hour)},
		Category:    "water",
		Fingerprint: "water:abc",
	}
}

func testSession(t *testing.T, db *DB, id string) {
	t.Helper()
	s := domain.Session{ID: id, Organization: "Org", State: domain.SessionActive, CreatedAt: t0, UpdatedAt: t0}
	entry := domain.AuditEntry{Event: domain.EventTransition, Actor: "tester", To: domain.SessionActive, At: t0}
	if err := db.CreateSession(context.Background(), s, entry); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestSaveIssueDeduplicates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	inserted, err := db.SaveIssue(ctx, testIssue("i1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected first insert to succeed")
	}
	inserted, err = db.SaveIssue(ctx, testIssue("i1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected duplicate insert to be ignored")
	}

	got, err := db.GetIssue(ctx, "i1")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if len(got.Channels) != 2 || got.Channels[0] != "email" {
		t.Errorf("channels not round-tripped: %v", got.Channels)
	}
	if !got.Window.Start.Equal(t0) {
		t.Errorf("window start = %v, want %v", got.Window.Start, t0)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetIssue(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	testSession(t, db, "s1")
	db.SaveIssue(ctx, testIssue("i1"))
	db.SaveIssue(ctx, testIssue("i2"))

	if added, err := db.AddSessionIssue(ctx, "s1", "i1"); err != nil || !added {
		t.Fatalf("AddSessionIssue: added=%v err=%v", added, err)
	}
	db.AddSessionIssue(ctx, "s1", "i2")
	if added, _ := db.AddSessionIssue(ctx, "s1", "i1"); added {
		t.Error("expected re-adding an issue to be a no-op")
	}

	if err := db.AdvanceIssueStage(ctx, "s1", "i1", domain.StageScored); err != nil {
		t.Fatalf("AdvanceIssueStage: %v", err)
	}
	// Stages never move backwards.
	db.AdvanceIssueStage(ctx, "s1", "i1", domain.StageIngested)
	db.SetRetryPending(ctx, "s1", "i2", true)

	checkpoint := domain.Checkpoint{"i1": domain.StageScored, "i2": domain.StageIngested}
	pause := domain.AuditEntry{Event: domain.EventTransition, Actor: "tester", From: domain.SessionActive, To: domain.SessionPaused, At: t0.Add(time.Minute)}
	if err := db.TransitionSession(ctx, "s1", domain.SessionActive, domain.SessionPaused, checkpoint, pause); err != nil {
		t.Fatalf("TransitionSession: %v", err)
	}

	s, err := db.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.State != domain.SessionPaused {
		t.Errorf("state = %s, want PAUSED", s.State)
	}
	if len(s.IssueIDs) != 2 || s.IssueIDs[0] != "i1" || s.IssueIDs[1] != "i2" {
		t.Errorf("issue order = %v", s.IssueIDs)
	}
	if s.Progress["i1"] != domain.StageScored {
		t.Errorf("i1 stage = %v, want scored", s.Progress["i1"])
	}
	if s.Checkpoint["i1"] != domain.StageScored || s.Checkpoint["i2"] != domain.StageIngested {
		t.Errorf("checkpoint = %v", s.Checkpoint)
	}
	if len(s.RetryPending) != 1 || s.RetryPending[0] != "i2" {
		t.Errorf("retry pending = %v", s.RetryPending)
	}
	if len(s.Audit) != 2 || s.Audit[0].Seq != 1 || s.Audit[1].Seq != 2 {
		t.Fatalf("audit = %+v", s.Audit)
	}
	if s.Audit[1].From != domain.SessionActive || s.Audit[1].To != domain.SessionPaused {
		t.Errorf("unexpected audit transition %+v", s.Audit[1])
	}
}

func TestTransitionSessionStale(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	testSession(t, db, "s1")

	entry := domain.AuditEntry{Event: domain.EventTransition, Actor: "tester", At: t0}
	err := db.TransitionSession(ctx, "s1", domain.SessionPaused, domain.SessionActive, nil, entry)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	trail, _ := db.AuditTrail(ctx, "s1")
	if len(trail) != 1 {
		t.Errorf("failed transition must not append audit, got %d entries", len(trail))
	}
}

func TestScoresLatestWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))

	first := domain.NewScore("sc1", "i1", 5, 5, 5, domain.MethodFallback, "first")
	second := domain.NewScore("sc2", "i1", 10, 10, 10, domain.MethodOracle, "second")
	if err := db.InsertScore(ctx, first); err != nil {
		t.Fatalf("InsertScore: %v", err)
	}
	if err := db.InsertScore(ctx, second); err != nil {
		t.Fatalf("InsertScore: %v", err)
	}

	got, err := db.LatestScore(ctx, "i1")
	if err != nil {
		t.Fatalf("LatestScore: %v", err)
	}
	if got.ID != "sc2" || got.Total != 30 {
		t.Errorf("latest = %s total %d, want sc2 total 30", got.ID, got.Total)
	}
}

func TestInsertScoreRejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))

	bad := domain.Score{ID: "bad", IssueID: "i1", MissionAlignment: 20, Impact: 1, Risk: 1, Total: 22}
	if err := db.InsertScore(ctx, bad); err == nil {
		t.Error("expected error for out-of-range score")
	}
}

func TestInsertScoreRequiresIssue(t *testing.T) {
	db := openTestDB(t)
	s := domain.NewScore("sc1", "ghost", 1, 1, 1, domain.MethodFallback, "")
	if err := db.InsertScore(context.Background(), s); err == nil {
		t.Error("expected foreign key error for unknown issue")
	}
}

func TestSaveResolutionAppliesAdjustments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))
	db.SaveIssue(ctx, testIssue("i2"))

	shifted := domain.TimeWindow{Start: t0.Add(2 * time.Hour), End: t0.Add(4 * time.Hour)}
	r := domain.Resolution{
		ID: "r1", ConflictID: "c1", SessionID: "s1", IssueIDs: []string{"i1", "i2"},
		Type: domain.ConflictTiming, Severity: domain.SeverityModerate, Channel: "email",
		Strategy: domain.StrategyDelay, Authority: "Communications Lead",
		Adjustments: []domain.IssueAdjustment{{IssueID: "i2", Channels: []string{"email", "social"}, Window: shifted}},
		Elapsed:     120 * time.Millisecond, WithinBudget: true, ResolvedAt: t0,
	}
	if err := db.SaveResolution(ctx, r); err != nil {
		t.Fatalf("SaveResolution: %v", err)
	}

	i2, _ := db.GetIssue(ctx, "i2")
	if !i2.Window.Start.Equal(shifted.Start) {
		t.Errorf("i2 window start = %v, want %v", i2.Window.Start, shifted.Start)
	}

	got, err := db.ResolutionForIssue(ctx, "s1", "i1")
	if err != nil {
		t.Fatalf("ResolutionForIssue: %v", err)
	}
	if got.Strategy != domain.StrategyDelay || !got.WithinBudget || len(got.Adjustments) != 1 {
		t.Errorf("unexpected resolution %+v", got)
	}
	if _, err := db.ResolutionForIssue(ctx, "s1", "i3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for issue without conflict, got %v", err)
	}
}

func TestRecordDecisionAtomic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))
	score := domain.NewScore("sc1", "i1", 10, 15, 15, domain.MethodFallback, "")
	db.InsertScore(ctx, score)

	d := domain.Decision{
		ID: "d1", IssueID: "i1", ScoreID: "sc1", SessionID: "s1", Priority: domain.P0,
		Routing: domain.RoutingHumanReview, HumanReview: true, Authority: "Executive Director",
		Timeline: "within 15 minutes", TimelineBound: 15 * time.Minute,
		Resources: []string{"rapid response team"}, ActionPlan: []string{"convene"}, ScoreTotal: 40, DecidedAt: t0,
	}
	rec := domain.MemoryRecord{ID: "m1", Organization: "Org", Fingerprint: "water:abc", IssueID: "i1",
		DecisionID: "d1", Mission: 10, Impact: 15, Risk: 15, Total: 40, Priority: domain.P0, RecordedAt: t0}
	if err := db.RecordDecision(ctx, d, rec); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	got, err := db.DecisionForIssue(ctx, "i1")
	if err != nil {
		t.Fatalf("DecisionForIssue: %v", err)
	}
	if got.TimelineBound != 15*time.Minute || len(got.ActionPlan) != 1 {
		t.Errorf("decision not round-tripped: %+v", got)
	}
	latest, err := db.Memory().Latest(ctx, "Org", "water:abc")
	if err != nil || latest == nil || latest.DecisionID != "d1" {
		t.Fatalf("memory latest = %+v, err %v", latest, err)
	}

	// A second decision for the same issue fails and writes no memory.
	d.ID = "d2"
	rec.ID = "m2"
	if err := db.RecordDecision(ctx, d, rec); err == nil {
		t.Fatal("expected duplicate decision to fail")
	}
	history, _ := db.Memory().History(ctx, "Org", 0)
	if len(history) != 1 {
		t.Errorf("expected rollback to leave 1 memory record, got %d", len(history))
	}
}

func TestRecordDecisionRequiresScore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))

	d := domain.Decision{ID: "d1", IssueID: "i1", ScoreID: "nope", Priority: domain.P3, DecidedAt: t0}
	err := db.RecordDecision(ctx, d, domain.MemoryRecord{ID: "m1", Organization: "Org", RecordedAt: t0})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing score, got %v", err)
	}
}

func TestMemoryLatestPrefersNewest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mem := db.Memory()

	mem.Append(ctx, domain.MemoryRecord{ID: "m1", Organization: "Org", Fingerprint: "fp", Total: 20, RecordedAt: t0})
	mem.Append(ctx, domain.MemoryRecord{ID: "m2", Organization: "Org", Fingerprint: "fp", Total: 30, Outcome: ptr(25), RecordedAt: t0.Add(time.Hour)})
	mem.Append(ctx, domain.MemoryRecord{ID: "m3", Organization: "Other", Fingerprint: "fp", Total: 5, RecordedAt: t0.Add(2 * time.Hour)})

	got, err := mem.Latest(ctx, "Org", "fp")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != "m2" || got.Outcome == nil || *got.Outcome != 25 {
		t.Errorf("latest = %+v, want m2 with outcome 25", got)
	}

	none, err := mem.Latest(ctx, "Org", "unknown")
	if err != nil || none != nil {
		t.Errorf("expected nil record for unknown fingerprint, got %+v (%v)", none, err)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	testSession(t, db, "s1")
	db.SaveIssue(ctx, testIssue("i1"))

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Sessions != 1 || stats.ActiveSessions != 1 || stats.Issues != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAddSessionIssueRequiresActiveSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	testSession(t, db, "s1")
	db.SaveIssue(ctx, testIssue("i1"))
	db.SaveIssue(ctx, testIssue("i2"))

	if _, err := db.AddSessionIssue(ctx, "s1", "i1"); err != nil {
		t.Fatalf("AddSessionIssue on ACTIVE session: %v", err)
	}

	for _, to := range []domain.SessionState{domain.SessionPaused, domain.SessionResolved, domain.SessionArchived} {
		s, _ := db.GetSession(ctx, "s1")
		from := s.State
		entry := domain.AuditEntry{Event: domain.EventTransition, Actor: "tester", From: from, To: to, At: t0}
		if err := db.TransitionSession(ctx, "s1", from, to, nil, entry); err != nil {
			t.Fatalf("TransitionSession to %s: %v", to, err)
		}

		added, err := db.AddSessionIssue(ctx, "s1", "i2")
		if !errors.Is(err, domain.ErrSessionNotActive) || added {
			t.Errorf("%s: expected ErrSessionNotActive, got added=%v err=%v", to, added, err)
		}
	}

	s, _ := db.GetSession(ctx, "s1")
	if len(s.IssueIDs) != 1 || s.IssueIDs[0] != "i1" {
		t.Errorf("expected only i1 attached, got %v", s.IssueIDs)
	}

	if _, err := db.AddSessionIssue(ctx, "missing", "i1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestCorruptListColumnIsReported(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.SaveIssue(ctx, testIssue("i1"))

	if _, err := db.conn.ExecContext(ctx, `UPDATE issues SET channels = ? WHERE id = ?`, "[email", "i1"); err != nil {
		t.Fatalf("corrupting row: %v", err)
	}
	_, err := db.GetIssue(ctx, "i1")
	if err == nil || !strings.Contains(err.Error(), "issues.channels") {
		t.Errorf("expected a decode error naming issues.channels, got %v", err)
	}
}
