package compose

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

type mockProvider struct {
	response string
	err      error
}

func (m *mockProvider) Generate(_ context.Context, _ string, _ int) (string, error) {
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

// fakeStore serves a fixed session.
type fakeStore struct {
	session     domain.Session
	issues      []domain.Issue
	decisions   []domain.Decision
	resolutions []domain.Resolution
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	if id != f.session.ID {
		return nil, errors.New("not found")
	}
	s := f.session
	return &s, nil
}

func (f *fakeStore) SessionIssues(context.Context, string) ([]domain.Issue, error) {
	return f.issues, nil
}

func (f *fakeStore) ListDecisions(context.Context, string, int) ([]domain.Decision, error) {
	return append([]domain.Decision(nil), f.decisions...), nil
}

func (f *fakeStore) ResolutionsForSession(context.Context, string) ([]domain.Resolution, error) {
	return f.resolutions, nil
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func waterStore() *fakeStore {
	return &fakeStore{
		session: domain.Session{
			ID:           "s1",
			Organization: "Clean Water Alliance",
			State:        domain.SessionResolved,
			Audit: []domain.AuditEntry{
				{Seq: 1, Event: domain.EventTransition, Actor: "operator", To: domain.SessionActive, At: t0},
				{Seq: 2, Event: domain.EventEscalation, Actor: "pipeline", Detail: "ConflictTimeout: budget exceeded", At: t0.Add(time.Minute)},
			},
		},
		issues: []domain.Issue{
			{ID: "i1", Title: "Water contamination near school", Source: "field-report", URL: "https://example.org/report"},
			{ID: "i2", Title: "Water board budget hearing", Source: "council-feed"},
		},
		// Newest first, as stored.
		decisions: []domain.Decision{
			{ID: "d2", IssueID: "i2", Priority: domain.P3, Routing: domain.RoutingDocumentation, Authority: "Communications Coordinator", Timeline: "best effort", ScoreTotal: 9},
			{ID: "d1", IssueID: "i1", Priority: domain.P0, Routing: domain.RoutingHumanReview, HumanReview: true, Authority: "Executive Director", Timeline: "within 15 minutes", ScoreTotal: 42, ActionPlan: []string{"Brief the Executive Director", "Hold a statement for review"}},
		},
		resolutions: []domain.Resolution{
			{ID: "r1", IssueIDs: []string{"i1", "i2"}, Type: domain.ConflictTiming, Severity: domain.SeverityHigh, Channel: "email", Strategy: domain.StrategyEscalate, Authority: "Deputy Director", Elapsed: 4 * time.Minute},
		},
	}
}

func TestComposeBriefing(t *testing.T) {
	resp, _ := json.Marshal(map[string]any{
		"tldr_bullets": []string{
			"Contamination near the school goes to the Executive Director now",
			"Budget hearing is logged only",
		},
	})

	composer := NewComposer(waterStore(), &mockProvider{response: string(resp)})
	b, err := composer.ComposeBriefing(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.DecisionCount != 2 || b.IssueCount != 2 || b.ConflictCount != 1 || b.Escalations != 1 {
		t.Errorf("unexpected counts %+v", b)
	}
	if !strings.Contains(b.TLDR, "- Contamination near the school") {
		t.Errorf("expected LLM TL;DR, got %q", b.TLDR)
	}
	if b.Theme != "Water Board Budget" {
		t.Errorf("expected theme led by the most frequent word, got %q", b.Theme)
	}

	// P0 sorts ahead of P3 regardless of storage order.
	p0 := strings.Index(b.BodyMarkdown, "## P0 Water contamination")
	p3 := strings.Index(b.BodyMarkdown, "## P3 Water board")
	if p0 < 0 || p3 < 0 || p0 > p3 {
		t.Errorf("expected P0 section before P3:\n%s", b.BodyMarkdown)
	}
	for _, want := range []string{"**Human review required**", "1. Brief the Executive Director", "[field-report](https://example.org/report)", "| timing | high | email | escalate |", "ConflictTimeout: budget exceeded"} {
		if !strings.Contains(b.BodyMarkdown, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if md := b.Markdown(); !strings.HasPrefix(md, "# Rapid response briefing: Clean Water Alliance") {
		t.Errorf("unexpected document header: %q", md[:60])
	}
}

func TestComposeFallbackWithoutProvider(t *testing.T) {
	composer := NewComposer(waterStore(), &mockProvider{err: errors.New("offline")})
	b, err := composer.ComposeBriefing(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(b.TLDR, "P0: Water contamination near school, Executive Director") {
		t.Errorf("expected fallback TL;DR, got %q", b.TLDR)
	}
	if strings.Contains(b.TLDR, "budget hearing") {
		t.Errorf("P3 decisions should stay out of the TL;DR: %q", b.TLDR)
	}
}

func TestComposeEmptySession(t *testing.T) {
	store := &fakeStore{session: domain.Session{ID: "s2", Organization: "Org", State: domain.SessionActive}}
	b, err := NewComposer(store, nil).ComposeBriefing(context.Background(), "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.DecisionCount != 0 || !strings.Contains(b.TLDR, "No decisions") {
		t.Errorf("unexpected empty briefing %+v", b)
	}
}

func TestComposeUnknownSession(t *testing.T) {
	if _, err := NewComposer(&fakeStore{}, nil).ComposeBriefing(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}
