// Package scoring computes Mission Alignment Intelligence scores.
package scoring

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/memory"
)

const (
	DefaultOracleTimeout      = 10 * time.Second
	DefaultPrecedentTolerance = 2
	DefaultPrecedentWeight    = 0.5
	DefaultConcurrency        = 4
)

// ScoringError means neither the oracle nor the fallback produced a score.
type ScoringError struct {
	IssueID string
	Reason  string
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring issue %s: %s", e.IssueID, e.Reason)
}

// Config holds scorer settings.
type Config struct {
	Organization       string
	Manifesto          domain.Manifesto
	OracleTimeout      time.Duration
	PrecedentTolerance int
	PrecedentWeight    float64
	Concurrency        int
}

// Scorer produces scores from the oracle, falling back to keyword overlap,
// then nudges them toward institutional precedent.
type Scorer struct {
	cfg      Config
	oracle   Oracle
	memory   memory.Store
	fallback *Fallback
	now      func() time.Time
}

// New creates a scorer. A nil oracle scores with the fallback only; a nil
// store disables precedent.
func New(cfg Config, oracle Oracle, store memory.Store) *Scorer {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if cfg.PrecedentTolerance < 0 {
		cfg.PrecedentTolerance = 0
	}
	if cfg.PrecedentWeight <= 0 || cfg.PrecedentWeight > 1 {
		cfg.PrecedentWeight = DefaultPrecedentWeight
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Organization == "" {
		cfg.Organization = cfg.Manifesto.Organization
	}
	return &Scorer{
		cfg:      cfg,
		oracle:   oracle,
		memory:   store,
		fallback: NewFallback(cfg.Manifesto),
		now:      time.Now,
	}
}

// Score scores one issue. Cancellation of ctx is returned as-is and never
// triggers the fallback.
func (s *Scorer) Score(ctx context.Context, issue domain.Issue) (domain.Score, error) {
	resp, method, err := s.fresh(ctx, issue)
	if err != nil {
		return domain.Score{}, err
	}

	score := domain.NewScore(uuid.NewString(), issue.ID, resp.Mission, resp.Impact, resp.Risk, method, resp.Rationale)
	score.CreatedAt = s.now().UTC()

	if s.memory != nil {
		s.applyPrecedent(ctx, issue, &score)
	}
	return score, nil
}

type oracleResult struct {
	resp OracleResponse
	err  error
}

func (s *Scorer) fresh(ctx context.Context, issue domain.Issue) (OracleResponse, domain.ScoreMethod, error) {
	if s.oracle != nil {
		resp, err := s.callOracle(ctx, issue)
		if err == nil {
			return resp, domain.MethodOracle, nil
		}
		if ctx.Err() != nil {
			return OracleResponse{}, "", ctx.Err()
		}
		log.Printf("Oracle failed for %s, using fallback: %v", issue.ID, err)
	}

	resp, err := s.fallback.Score(issue)
	if err != nil {
		return OracleResponse{}, "", &ScoringError{IssueID: issue.ID, Reason: err.Error()}
	}
	return resp, domain.MethodFallback, nil
}

// callOracle runs the oracle in its own goroutine so an oracle that ignores
// ctx is abandoned when the timeout fires.
func (s *Scorer) callOracle(ctx context.Context, issue domain.Issue) (OracleResponse, error) {
	octx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	req := OracleRequest{Title: issue.Title, Content: issue.Content, Urgency: issue.Urgency, Manifesto: s.cfg.Manifesto}
	ch := make(chan oracleResult, 1)
	go func() {
		resp, err := s.oracle.Score(octx, req)
		ch <- oracleResult{resp, err}
	}()

	select {
	case <-octx.Done():
		return OracleResponse{}, fmt.Errorf("oracle: %w", octx.Err())
	case r := <-ch:
		if r.err != nil {
			return OracleResponse{}, r.err
		}
		if err := r.resp.Validate(); err != nil {
			return OracleResponse{}, err
		}
		return r.resp, nil
	}
}

func (s *Scorer) applyPrecedent(ctx context.Context, issue domain.Issue, score *domain.Score) {
	rec, err := s.memory.Latest(ctx, s.cfg.Organization, issue.Fingerprint)
	if err != nil {
		log.Printf("Memory lookup failed for %s: %v", issue.ID, err)
		return
	}
	if rec == nil {
		return
	}
	delta := PrecedentDelta(score.Total, rec.Target(), s.cfg.PrecedentWeight, s.cfg.PrecedentTolerance)
	score.PrecedentID = rec.ID
	if delta != 0 {
		score.Adjust(delta)
	}
}

// PrecedentDelta is weight*(target-fresh) rounded half toward zero and
// clamped to ±tolerance.
func PrecedentDelta(fresh, target int, weight float64, tolerance int) int {
	x := weight * float64(target-fresh)
	r := math.Trunc(x)
	if math.Abs(x-r) > 0.5 {
		r += math.Copysign(1, x)
	}
	d := int(r)
	if d > tolerance {
		d = tolerance
	}
	if d < -tolerance {
		d = -tolerance
	}
	return d
}

// Outcome is the result of scoring one issue in a batch.
type Outcome struct {
	Issue domain.Issue
	Score domain.Score
	Err   error
}

// ScoreAll scores issues in parallel with bounded concurrency. Per-issue
// failures are reported in the outcomes; the returned error is only set when
// ctx is cancelled.
func (s *Scorer) ScoreAll(ctx context.Context, issues []domain.Issue) ([]Outcome, error) {
	out := make([]Outcome, len(issues))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for i, issue := range issues {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = Outcome{Issue: issue, Err: err}
				return err
			}
			score, err := s.Score(ctx, issue)
			out[i] = Outcome{Issue: issue, Score: score, Err: err}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	return out, g.Wait()
}
