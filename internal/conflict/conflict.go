// Package conflict detects competing responses and resolves them with the
// Lightning Protocol under a hard time budget.
package conflict

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

const (
	DefaultBudget = 4 * time.Minute
	DefaultBucket = time.Hour
)

// DefaultMaxDelay bounds how far each urgency tier may be pushed back.
var DefaultMaxDelay = map[domain.Urgency]time.Duration{
	domain.UrgencyLow:    24 * time.Hour,
	domain.UrgencyMedium: 6 * time.Hour,
	domain.UrgencyHigh:   30 * time.Minute,
}

// DefaultAuthorities names who signs off on a resolution per severity.
var DefaultAuthorities = map[domain.Severity]string{
	domain.SeverityLow:      "Communications Coordinator",
	domain.SeverityModerate: "Communications Director",
	domain.SeverityHigh:     "Deputy Director",
	domain.SeverityCritical: "Executive Director",
}

// ConflictTimeout describes a resolution that ran out of budget and was
// escalated. It is recorded, not returned as a failure.
type ConflictTimeout struct {
	ConflictID string
	Budget     time.Duration
	Elapsed    time.Duration
}

func (e *ConflictTimeout) Error() string {
	return fmt.Sprintf("conflict %s exceeded %s budget after %s; escalated", e.ConflictID, e.Budget, e.Elapsed.Round(time.Millisecond))
}

// TimeoutOf returns the ConflictTimeout for a budget-exceeded resolution, or nil.
func TimeoutOf(r domain.Resolution, budget time.Duration) *ConflictTimeout {
	if !r.BudgetExceeded {
		return nil
	}
	return &ConflictTimeout{ConflictID: r.ConflictID, Budget: budget, Elapsed: r.Elapsed}
}

// Config holds resolver settings.
type Config struct {
	MinOverlap        time.Duration
	Budget            time.Duration
	Bucket            time.Duration
	MaxDelay          map[domain.Urgency]time.Duration
	AlternateChannels []string
	Authorities       map[domain.Severity]string
	// Schedule returns the commitments in force for a cycle starting at now.
	Schedule func(now time.Time) []Commitment
}

type evaluateFunc func(ctx context.Context, c domain.Conflict, a, b Candidate) domain.Resolution

// Resolver runs conflict detection and the Lightning Protocol. One resolver
// is shared by all sessions so channel locks serialize across them.
type Resolver struct {
	cfg      Config
	locks    *keyedLock
	now      func() time.Time
	evaluate evaluateFunc
}

// New creates a resolver, filling unset settings with defaults.
func New(cfg Config) *Resolver {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = DefaultBucket
	}
	maxDelay := make(map[domain.Urgency]time.Duration, len(DefaultMaxDelay))
	for u, d := range DefaultMaxDelay {
		maxDelay[u] = d
	}
	for u, d := range cfg.MaxDelay {
		maxDelay[u] = d
	}
	cfg.MaxDelay = maxDelay
	authorities := make(map[domain.Severity]string, len(DefaultAuthorities))
	for s, a := range DefaultAuthorities {
		authorities[s] = a
	}
	for s, a := range cfg.Authorities {
		if a != "" {
			authorities[s] = a
		}
	}
	cfg.Authorities = authorities

	r := &Resolver{cfg: cfg, locks: newKeyedLock(), now: time.Now}
	r.evaluate = r.choose
	return r
}

// Budget returns the Lightning Protocol deadline.
func (r *Resolver) Budget() time.Duration { return r.cfg.Budget }

// Candidates appends the configured scheduled commitments to the scored issues.
func (r *Resolver) Candidates(scored []Candidate) []Candidate {
	out := append([]Candidate(nil), scored...)
	if r.cfg.Schedule == nil {
		return out
	}
	for _, c := range r.cfg.Schedule(r.now()) {
		out = append(out, c.Candidate())
	}
	return out
}

// Detect finds conflicts among candidates.
func (r *Resolver) Detect(candidates []Candidate) []domain.Conflict {
	return Detect(candidates, r.cfg.MinOverlap, r.now().UTC())
}

// Resolve detects and resolves every conflict among candidates in order.
// It returns one resolution per conflict and the issues whose channel or
// window changed. Adjustments from earlier resolutions are visible to later
// ones; a pair that no longer collides is resolved as proceed. The returned
// error is non-nil only when ctx is cancelled.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, candidates []Candidate) ([]domain.Resolution, []domain.Issue, error) {
	current := make(map[string]*Candidate, len(candidates))
	for i := range candidates {
		c := candidates[i]
		current[c.Issue.ID] = &c
	}

	conflicts := r.Detect(candidates)
	var resolutions []domain.Resolution
	changed := make(map[string]bool)

	for _, c := range conflicts {
		a, b := current[c.IssueIDs[0]], current[c.IssueIDs[1]]

		var res domain.Resolution
		if _, still := detectPair(*a, *b, r.cfg.MinOverlap, c.DetectedAt); still {
			var err error
			res, err = r.Lightning(ctx, c, *a, *b)
			if err != nil {
				return resolutions, changedIssues(current, changed), err
			}
		} else {
			res = r.settled(c)
		}
		res.SessionID = sessionID

		for _, adj := range res.Adjustments {
			cand := current[adj.IssueID]
			cand.Issue.Channels = append([]string(nil), adj.Channels...)
			cand.Issue.Window = adj.Window
			if !cand.Scheduled {
				changed[adj.IssueID] = true
			}
		}
		log.Printf("Conflict %s (%s/%s on %s): %s in %s", c.ID[:8], c.Type, c.Severity, c.Channel, res.Strategy, res.Elapsed.Round(time.Millisecond))
		resolutions = append(resolutions, res)
	}
	return resolutions, changedIssues(current, changed), nil
}

func changedIssues(current map[string]*Candidate, changed map[string]bool) []domain.Issue {
	var out []domain.Issue
	for id := range changed {
		out = append(out, current[id].Issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lightning resolves a single conflict within the budget. Evaluation runs in
// its own goroutine; if the deadline fires first its result is discarded and
// the conflict is escalated.
func (r *Resolver) Lightning(ctx context.Context, c domain.Conflict, a, b Candidate) (domain.Resolution, error) {
	start := r.now()
	lctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	unlock, err := r.locks.Lock(lctx, r.lockKey(c, a, b))
	if err != nil {
		if ctx.Err() != nil {
			return domain.Resolution{}, ctx.Err()
		}
		return r.timedOut(c, start, "channel lock not acquired within budget"), nil
	}
	defer unlock()

	ch := make(chan domain.Resolution, 1)
	go func() {
		ch <- r.evaluate(lctx, c, a, b)
	}()

	select {
	case <-lctx.Done():
		if ctx.Err() != nil {
			return domain.Resolution{}, ctx.Err()
		}
		return r.timedOut(c, start, "evaluation did not finish within budget"), nil
	case res := <-ch:
		if ctx.Err() != nil {
			return domain.Resolution{}, ctx.Err()
		}
		elapsed := r.now().Sub(start)
		if elapsed > r.cfg.Budget {
			return r.timedOut(c, start, "evaluation finished after budget"), nil
		}
		r.stamp(&res, c)
		res.Elapsed = elapsed
		res.WithinBudget = true
		return res, nil
	}
}

func (r *Resolver) lockKey(c domain.Conflict, a, b Candidate) string {
	start := a.Issue.Window.Start
	if b.Issue.Window.Start.Before(start) {
		start = b.Issue.Window.Start
	}
	return c.Channel + "|" + start.UTC().Truncate(r.cfg.Bucket).Format(time.RFC3339)
}

func (r *Resolver) stamp(res *domain.Resolution, c domain.Conflict) {
	res.ID = uuid.NewString()
	res.ConflictID = c.ID
	res.IssueIDs = append([]string(nil), c.IssueIDs...)
	res.Type = c.Type
	res.Severity = c.Severity
	res.Channel = c.Channel
	res.Authority = r.cfg.Authorities[c.Severity]
	res.ResolvedAt = r.now().UTC()
}

func (r *Resolver) timedOut(c domain.Conflict, start time.Time, why string) domain.Resolution {
	res := domain.Resolution{
		Strategy:       domain.StrategyEscalate,
		HumanReview:    true,
		BudgetExceeded: true,
		Rationale:      why + "; escalated for human review",
	}
	r.stamp(&res, c)
	res.Elapsed = r.now().Sub(start)
	return res
}

// settled records a conflict that an earlier adjustment already cleared.
func (r *Resolver) settled(c domain.Conflict) domain.Resolution {
	res := domain.Resolution{
		Strategy:     domain.StrategyProceed,
		WithinBudget: true,
		Rationale:    "cleared by an earlier adjustment",
	}
	r.stamp(&res, c)
	return res
}

// choose applies the strategies in order: segment, delay, proceed, escalate.
// Pairs whose windows do not overlap proceed at any severity.
func (r *Resolver) choose(_ context.Context, c domain.Conflict, a, b Candidate) domain.Resolution {
	lower, higher := lowerScored(a, b)

	if a.Issue.Window.Overlap(b.Issue.Window) <= 0 {
		return domain.Resolution{
			Strategy:  domain.StrategyProceed,
			Rationale: fmt.Sprintf("windows do not overlap; both responses proceed on %s", c.Channel),
		}
	}

	if c.Type != domain.ConflictAudience {
		if alt, ok := r.alternateChannel(higher.Issue); ok {
			channels := []string{alt}
			for _, ch := range lower.Issue.Channels {
				if !contains(higher.Issue.Channels, ch) && ch != alt {
					channels = append(channels, ch)
				}
			}
			return domain.Resolution{
				Strategy:    domain.StrategySegment,
				Adjustments: []domain.IssueAdjustment{{IssueID: lower.Issue.ID, Channels: channels, Window: lower.Issue.Window}},
				Rationale:   fmt.Sprintf("moved %q from %s to %s", lower.Issue.Summary(), c.Channel, alt),
			}
		}
	}

	if shift := higher.Issue.Window.End.Sub(lower.Issue.Window.Start); shift > 0 && shift <= r.cfg.MaxDelay[lower.Issue.Urgency] {
		return domain.Resolution{
			Strategy:    domain.StrategyDelay,
			Adjustments: []domain.IssueAdjustment{{IssueID: lower.Issue.ID, Channels: lower.Issue.Channels, Window: lower.Issue.Window.Shift(shift)}},
			Rationale:   fmt.Sprintf("delayed %q by %s until %q ends", lower.Issue.Summary(), shift, higher.Issue.Summary()),
		}
	}

	if c.Severity.Rank() <= domain.SeverityModerate.Rank() {
		return domain.Resolution{
			Strategy:  domain.StrategyProceed,
			Rationale: fmt.Sprintf("%s severity; both responses proceed on %s", c.Severity, c.Channel),
		}
	}

	return domain.Resolution{
		Strategy:    domain.StrategyEscalate,
		HumanReview: true,
		Rationale:   fmt.Sprintf("no segment or delay fits a %s %s conflict", c.Severity, c.Type),
	}
}

// alternateChannel finds a configured channel the higher issue does not use.
func (r *Resolver) alternateChannel(higher domain.Issue) (string, bool) {
	for _, alt := range r.cfg.AlternateChannels {
		if !contains(higher.Channels, alt) {
			return alt, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
