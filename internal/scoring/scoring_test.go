package scoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/memory"
)

// mockOracle implements Oracle for testing.
type mockOracle struct {
	resp  OracleResponse
	err   error
	delay time.Duration
	// ignoreCtx simulates an oracle that never looks at its context.
	ignoreCtx bool
	calls     atomic.Int32
}

func (m *mockOracle) Score(ctx context.Context, _ OracleRequest) (OracleResponse, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		if m.ignoreCtx {
			time.Sleep(m.delay)
		} else {
			select {
			case <-time.After(m.delay):
			case <-ctx.Done():
				return OracleResponse{}, ctx.Err()
			}
		}
	}
	return m.resp, m.err
}

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response string
	err      error
}

func (m *mockProvider) Generate(_ context.Context, _ string, _ int) (string, error) {
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

func waterManifesto() domain.Manifesto {
	return domain.Manifesto{
		Organization:        "Clean Water Alliance",
		CorePrinciples:      []string{"Clean water for every community", "Protecting children's health"},
		StrategicPriorities: []string{"Water safety", "School environments"},
	}
}

func waterIssue() domain.Issue {
	return domain.Issue{
		ID:          "water-1",
		Title:       "",
		Content:     "Water contamination reported near school; children at risk",
		Urgency:     domain.UrgencyHigh,
		Fingerprint: "water-safety:abc",
	}
}

func newScorer(oracle Oracle, store memory.Store) *Scorer {
	return New(Config{Manifesto: waterManifesto(), OracleTimeout: 50 * time.Millisecond}, oracle, store)
}

func TestWaterContaminationFallback(t *testing.T) {
	s := newScorer(nil, nil)
	score, err := s.Score(context.Background(), waterIssue())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.MissionAlignment != 10 || score.Impact != 15 || score.Risk != 15 {
		t.Errorf("components = %d/%d/%d, want 10/15/15", score.MissionAlignment, score.Impact, score.Risk)
	}
	if score.Total != 40 {
		t.Errorf("total = %d, want 40", score.Total)
	}
	if score.Method != domain.MethodFallback {
		t.Errorf("method = %s, want fallback", score.Method)
	}
}

func TestOracleScoreUsed(t *testing.T) {
	oracle := &mockOracle{resp: OracleResponse{Mission: 12, Impact: 8, Risk: 5, Rationale: "ok"}}
	score, err := newScorer(oracle, nil).Score(context.Background(), waterIssue())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Method != domain.MethodOracle || score.Total != 25 {
		t.Errorf("got %s total %d, want oracle 25", score.Method, score.Total)
	}
}

func TestOracleFailuresFallBack(t *testing.T) {
	tests := []struct {
		name   string
		oracle *mockOracle
	}{
		{"error", &mockOracle{err: errors.New("unavailable")}},
		{"out of range", &mockOracle{resp: OracleResponse{Mission: 16, Impact: 1, Risk: 1}}},
		{"negative", &mockOracle{resp: OracleResponse{Mission: 1, Impact: -1, Risk: 1}}},
		{"timeout", &mockOracle{delay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := newScorer(tt.oracle, nil).Score(context.Background(), waterIssue())
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if score.Method != domain.MethodFallback || score.Total != 40 {
				t.Errorf("got %s total %d, want fallback 40", score.Method, score.Total)
			}
		})
	}
}

func TestNonCooperativeOracleAbandoned(t *testing.T) {
	oracle := &mockOracle{delay: 2 * time.Second, ignoreCtx: true}
	start := time.Now()
	score, err := newScorer(oracle, nil).Score(context.Background(), waterIssue())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("scorer waited %v for a stuck oracle", elapsed)
	}
	if score.Method != domain.MethodFallback {
		t.Errorf("method = %s, want fallback", score.Method)
	}
}

func TestCancellationDoesNotFallBack(t *testing.T) {
	oracle := &mockOracle{delay: time.Second}
	s := New(Config{Manifesto: waterManifesto(), OracleTimeout: 5 * time.Second}, oracle, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Score(ctx, waterIssue())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestScoringErrorWhenNothingToScore(t *testing.T) {
	issue := domain.Issue{ID: "empty", Content: "!!! ... ???", Urgency: domain.UrgencyLow}
	_, err := newScorer(&mockOracle{err: errors.New("down")}, nil).Score(context.Background(), issue)
	var se *ScoringError
	if !errors.As(err, &se) {
		t.Fatalf("expected ScoringError, got %v", err)
	}
	if se.IssueID != "empty" {
		t.Errorf("IssueID = %q", se.IssueID)
	}
}

func TestLLMOracle(t *testing.T) {
	o := NewLLMOracle(&mockProvider{response: "```json\n{\"mission_alignment\": 9, \"impact\": 7, \"risk\": 11, \"rationale\": \"Direct threat\"}\n```"}, 0)
	resp, err := o.Score(context.Background(), OracleRequest{Content: "x", Manifesto: waterManifesto()})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if resp.Mission != 9 || resp.Impact != 7 || resp.Risk != 11 || resp.Rationale != "Direct threat" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestLLMOracleMalformed(t *testing.T) {
	for _, reply := range []string{"I cannot score this", `{"mission_alignment": 3, "impact": 2}`} {
		o := NewLLMOracle(&mockProvider{response: reply}, 0)
		_, err := o.Score(context.Background(), OracleRequest{Content: "x"})
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("reply %q: expected ErrMalformed, got %v", reply, err)
		}
	}
}

func TestPrecedentDelta(t *testing.T) {
	tests := []struct {
		fresh, target, want int
	}{
		{40, 40, 0},
		{40, 41, 0},  // 0.5 rounds toward zero
		{40, 39, 0},  // -0.5 rounds toward zero
		{40, 43, 1},  // 1.5 -> 1
		{40, 30, -2}, // -5 clamped
		{10, 45, 2},
		{20, 23, 1},
	}
	for _, tt := range tests {
		if got := PrecedentDelta(tt.fresh, tt.target, 0.5, 2); got != tt.want {
			t.Errorf("PrecedentDelta(%d, %d) = %d, want %d", tt.fresh, tt.target, got, tt.want)
		}
	}
}

func TestPrecedentNudge(t *testing.T) {
	store := memory.NewInMemory()
	ctx := context.Background()
	store.Append(ctx, domain.MemoryRecord{ID: "old", Organization: "Clean Water Alliance", Fingerprint: "water-safety:abc", Total: 30, RecordedAt: time.Now().Add(-time.Hour)})

	score, err := newScorer(nil, store).Score(ctx, waterIssue())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if score.Total != 38 || score.Adjustment != -2 || score.PrecedentID != "old" {
		t.Errorf("got total %d adjustment %d precedent %q, want 38/-2/old", score.Total, score.Adjustment, score.PrecedentID)
	}
	if !score.Valid() {
		t.Error("nudged score violates invariants")
	}
}

func TestPrecedentPrefersOutcome(t *testing.T) {
	store := memory.NewInMemory()
	ctx := context.Background()
	outcome := 45
	store.Append(ctx, domain.MemoryRecord{ID: "rec", Organization: "Clean Water Alliance", Fingerprint: "water-safety:abc", Total: 10, Outcome: &outcome, RecordedAt: time.Now()})

	issue := waterIssue()
	issue.Urgency = domain.UrgencyLow
	score, _ := newScorer(nil, store).Score(ctx, issue)
	// Fresh low-urgency score is 10+10+10=30; outcome 45 pulls it up by the tolerance.
	if score.Total != 32 {
		t.Errorf("total = %d, want 32", score.Total)
	}
}

func TestScoreInvariantsHold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"water", "children", "school", "safety", "clean", "community", "health", "budget", "parade", "storm"}
	urgencies := []domain.Urgency{domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh}
	store := memory.NewInMemory()
	s := newScorer(nil, store)

	for i := 0; i < 200; i++ {
		var content string
		for j := 0; j < 1+rng.Intn(8); j++ {
			content += words[rng.Intn(len(words))] + " "
		}
		issue := domain.Issue{ID: fmt.Sprint(i), Content: content, Urgency: urgencies[rng.Intn(3)], Fingerprint: fmt.Sprint(i % 5)}
		if i%3 == 0 {
			store.Append(context.Background(), domain.MemoryRecord{ID: fmt.Sprint("m", i), Organization: "Clean Water Alliance", Fingerprint: issue.Fingerprint, Total: rng.Intn(46), RecordedAt: time.Now()})
		}
		score, err := s.Score(context.Background(), issue)
		if err != nil {
			t.Fatalf("Score(%q): %v", content, err)
		}
		if !score.Valid() {
			t.Fatalf("invalid score %+v", score)
		}
		if score.Adjustment < -2 || score.Adjustment > 2 {
			t.Fatalf("adjustment %d exceeds tolerance", score.Adjustment)
		}
	}
}

func TestScoreAll(t *testing.T) {
	oracle := &mockOracle{resp: OracleResponse{Mission: 5, Impact: 5, Risk: 5}, delay: 10 * time.Millisecond}
	s := New(Config{Manifesto: waterManifesto(), Concurrency: 3, OracleTimeout: time.Second}, oracle, nil)

	issues := []domain.Issue{waterIssue(), {ID: "blank", Content: "?!", Urgency: domain.UrgencyLow}, {ID: "c", Content: "school", Urgency: domain.UrgencyLow}}
	out, err := s.ScoreAll(context.Background(), issues)
	if err != nil {
		t.Fatalf("ScoreAll: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(out))
	}
	for i, o := range out {
		if o.Issue.ID != issues[i].ID {
			t.Errorf("outcome %d is for %s", i, o.Issue.ID)
		}
		if o.Err != nil {
			t.Errorf("unexpected error for %s: %v", o.Issue.ID, o.Err)
		}
	}
	if oracle.calls.Load() != 3 {
		t.Errorf("oracle called %d times, want 3", oracle.calls.Load())
	}
}
