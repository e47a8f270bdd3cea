package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{"inmemory": NewInMemory(), "sqlite": db.Memory()}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := Fingerprint("water-safety", []string{"water", "children"})
	b := Fingerprint("water-safety", []string{"children", "water"})
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "water-safety:") {
		t.Errorf("unexpected fingerprint %s", a)
	}
	if Fingerprint("", nil) == a {
		t.Error("different inputs should not collide")
	}
}

func TestLatestIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Append(ctx, domain.MemoryRecord{ID: "m1", Organization: "Org", Fingerprint: "fp", Total: 20, RecordedAt: t0})
			store.Append(ctx, domain.MemoryRecord{ID: "m2", Organization: "Org", Fingerprint: "fp", Total: 28, RecordedAt: t0.Add(time.Minute)})

			first, err := store.Latest(ctx, "Org", "fp")
			if err != nil {
				t.Fatalf("Latest: %v", err)
			}
			second, _ := store.Latest(ctx, "Org", "fp")
			if first.ID != "m2" || second.ID != first.ID {
				t.Errorf("expected m2 twice, got %s then %s", first.ID, second.ID)
			}
		})
	}
}

func TestLatestMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.Latest(context.Background(), "Org", "nothing")
			if err != nil || rec != nil {
				t.Errorf("expected nil, nil; got %+v, %v", rec, err)
			}
		})
	}
}

func TestRecordOutcomeSupersedes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			prev := domain.MemoryRecord{ID: "m1", Organization: "Org", Fingerprint: "fp", Total: 40, RecordedAt: t0}
			store.Append(ctx, prev)

			rec, err := RecordOutcome(ctx, store, prev, 22, "overreacted")
			if err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
			if rec.ID == prev.ID {
				t.Error("outcome must be a new record")
			}

			latest, _ := store.Latest(ctx, "Org", "fp")
			if latest.Target() != 22 {
				t.Errorf("target = %d, want 22", latest.Target())
			}
			history, _ := store.History(ctx, "Org", 0)
			if len(history) != 2 {
				t.Errorf("expected 2 records, got %d", len(history))
			}
			if history[0].Outcome == nil {
				t.Error("expected newest record first")
			}
		})
	}
}

func TestRecordOutcomeRejectsOutOfRange(t *testing.T) {
	_, err := RecordOutcome(context.Background(), NewInMemory(), domain.MemoryRecord{}, 46, "")
	if err == nil {
		t.Error("expected error for outcome above 45")
	}
}

func TestInMemoryRejectsDuplicateID(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	s.Append(ctx, domain.MemoryRecord{ID: "m1", Organization: "Org"})
	if err := s.Append(ctx, domain.MemoryRecord{ID: "m1", Organization: "Org"}); err == nil {
		t.Error("expected duplicate append to fail")
	}
}
