// Package memory is the append-only institutional memory of past decisions.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// Store persists memory records. Records are only ever appended; Latest
// returns nil when nothing matches.
type Store interface {
	Append(ctx context.Context, rec domain.MemoryRecord) error
	Latest(ctx context.Context, org, fingerprint string) (*domain.MemoryRecord, error)
	History(ctx context.Context, org string, limit int) ([]domain.MemoryRecord, error)
}

// Fingerprint identifies similar issues: the category plus a short hash of
// the sorted manifesto terms the issue matched.
func Fingerprint(category string, terms []string) string {
	sorted := append([]string(nil), terms...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	if category == "" {
		category = "general"
	}
	return category + ":" + hex.EncodeToString(sum[:6])
}

// FromDecision builds the memory record written alongside a decision.
func FromDecision(org string, issue domain.Issue, score domain.Score, d domain.Decision) domain.MemoryRecord {
	return domain.MemoryRecord{
		ID:           uuid.NewString(),
		Organization: org,
		Fingerprint:  issue.Fingerprint,
		IssueID:      issue.ID,
		DecisionID:   d.ID,
		Summary:      issue.Summary(),
		Category:     issue.Category,
		Mission:      score.MissionAlignment,
		Impact:       score.Impact,
		Risk:         score.Risk,
		Total:        score.Total,
		Priority:     d.Priority,
		RecordedAt:   d.DecidedAt,
	}
}

// RecordOutcome appends a record that supersedes prev with an observed
// outcome total. prev itself is left untouched.
func RecordOutcome(ctx context.Context, store Store, prev domain.MemoryRecord, outcome int, note string) (domain.MemoryRecord, error) {
	if outcome < 0 || outcome > domain.MaxTotal {
		return domain.MemoryRecord{}, fmt.Errorf("outcome %d outside 0..%d", outcome, domain.MaxTotal)
	}
	rec := prev
	rec.ID = uuid.NewString()
	rec.Outcome = &outcome
	rec.OutcomeNote = note
	rec.RecordedAt = time.Now().UTC()
	if !rec.RecordedAt.After(prev.RecordedAt) {
		rec.RecordedAt = prev.RecordedAt.Add(time.Nanosecond)
	}
	if err := store.Append(ctx, rec); err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("appending outcome: %w", err)
	}
	return rec, nil
}

// InMemory is a Store kept in process memory.
type InMemory struct {
	mu      sync.Mutex
	records []domain.MemoryRecord
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(_ context.Context, rec domain.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == rec.ID {
			return fmt.Errorf("memory record %s already exists", rec.ID)
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemory) Latest(_ context.Context, org, fingerprint string) (*domain.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.MemoryRecord
	for i := range s.records {
		r := s.records[i]
		if r.Organization != org || r.Fingerprint != fingerprint {
			continue
		}
		// Later appends win ties.
		if best == nil || !r.RecordedAt.Before(best.RecordedAt) {
			best = &r
		}
	}
	return best, nil
}

func (s *InMemory) History(_ context.Context, org string, limit int) ([]domain.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.MemoryRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Organization == org {
			out = append(out, s.records[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
