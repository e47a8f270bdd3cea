// Package routing turns scored, conflict-checked issues into decisions.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/memory"
	"github.com/dal428/rapid-response-agent-system/internal/notify"
)

const (
	DefaultHumanReviewThreshold = 30
	DefaultMonitoringThreshold  = 15
	defaultNotifyTimeout        = 10 * time.Second
)

// Authority names who owns a tier, with and without a conflict in play.
type Authority struct {
	Standard string `yaml:"standard"`
	Conflict string `yaml:"conflict"`
}

// DefaultAuthorities is used when no authority table is configured.
var DefaultAuthorities = map[domain.Priority]Authority{
	domain.P0: {Standard: "Executive Director", Conflict: "Executive Director"},
	domain.P1: {Standard: "Communications Director", Conflict: "Deputy Director"},
	domain.P2: {Standard: "Communications Manager", Conflict: "Communications Director"},
	domain.P3: {Standard: "Communications Coordinator", Conflict: "Communications Manager"},
}

type tier struct {
	timeline  string
	bound     time.Duration
	resources []string
}

var tiers = map[domain.Priority]tier{
	domain.P0: {"within 15 minutes", 15 * time.Minute, []string{"rapid response team", "executive spokesperson", "legal review"}},
	domain.P1: {"within 4 hours", 4 * time.Hour, []string{"communications team", "policy analyst"}},
	domain.P2: {"within 24 hours", 24 * time.Hour, []string{"monitoring analyst"}},
	domain.P3: {"best effort", 0, []string{"documentation"}},
}

// RoutingError means no decision could be produced for an issue.
type RoutingError struct {
	IssueID  string
	Priority domain.Priority
	Reason   string
}

func (e *RoutingError) Error() string {
	if e.Priority != "" {
		return fmt.Sprintf("routing issue %s (%s): %s", e.IssueID, e.Priority, e.Reason)
	}
	return fmt.Sprintf("routing issue %s: %s", e.IssueID, e.Reason)
}

// Recorder persists a decision with its memory record in one transaction.
type Recorder interface {
	RecordDecision(ctx context.Context, d domain.Decision, rec domain.MemoryRecord) error
	DecisionForIssue(ctx context.Context, issueID string) (*domain.Decision, error)
}

// Config holds router settings.
type Config struct {
	Organization         string
	HumanReviewThreshold int
	MonitoringThreshold  int
	Authorities          map[domain.Priority]Authority
	NotifyTimeout        time.Duration
}

// Router assigns priority, routing, authority and timeline.
type Router struct {
	cfg      Config
	recorder Recorder
	memory   memory.Store
	notifier notify.Notifier
	now      func() time.Time
}

// New creates a router. memory and notifier may be nil.
func New(cfg Config, recorder Recorder, store memory.Store, notifier notify.Notifier) *Router {
	if cfg.HumanReviewThreshold <= 0 {
		cfg.HumanReviewThreshold = DefaultHumanReviewThreshold
	}
	if cfg.MonitoringThreshold <= 0 {
		cfg.MonitoringThreshold = DefaultMonitoringThreshold
	}
	if cfg.Authorities == nil {
		cfg.Authorities = DefaultAuthorities
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Router{cfg: cfg, recorder: recorder, memory: store, notifier: notifier, now: time.Now}
}

// Tier maps a total and urgency onto priority and routing.
func (r *Router) Tier(total int, urgency domain.Urgency) (domain.Priority, domain.Routing) {
	switch {
	case total >= r.cfg.HumanReviewThreshold:
		if urgency == domain.UrgencyHigh {
			return domain.P0, domain.RoutingHumanReview
		}
		return domain.P1, domain.RoutingHumanReview
	case total >= r.cfg.MonitoringThreshold:
		return domain.P2, domain.RoutingMonitoring
	}
	return domain.P3, domain.RoutingDocumentation
}

// Plan builds a decision without persisting it. res is the resolution of a
// conflict the issue took part in, or nil; precedent may be nil.
func (r *Router) Plan(sessionID string, issue domain.Issue, score domain.Score, res *domain.Resolution, precedent *domain.MemoryRecord) (domain.Decision, error) {
	if score.IssueID != issue.ID {
		return domain.Decision{}, &RoutingError{IssueID: issue.ID, Reason: fmt.Sprintf("score %s belongs to issue %s", score.ID, score.IssueID)}
	}
	priority, routing := r.Tier(score.Total, issue.Urgency)

	auth, ok := r.cfg.Authorities[priority]
	authority := auth.Standard
	if res != nil {
		authority = auth.Conflict
	}
	if !ok || authority == "" {
		return domain.Decision{}, &RoutingError{IssueID: issue.ID, Priority: priority, Reason: "no decision authority configured"}
	}

	t := tiers[priority]
	d := domain.Decision{
		ID:            uuid.NewString(),
		IssueID:       issue.ID,
		ScoreID:       score.ID,
		SessionID:     sessionID,
		Priority:      priority,
		Routing:       routing,
		HumanReview:   routing == domain.RoutingHumanReview,
		Authority:     authority,
		Timeline:      t.timeline,
		TimelineBound: t.bound,
		Resources:     append([]string(nil), t.resources...),
		ScoreTotal:    score.Total,
		DecidedAt:     r.now().UTC(),
	}
	if res != nil {
		d.ResolutionID = res.ID
		if res.Strategy == domain.StrategyEscalate {
			d.HumanReview = true
		}
	}
	d.ActionPlan = actionPlan(issue, score, d, res, precedent)
	return d, nil
}

func actionPlan(issue domain.Issue, score domain.Score, d domain.Decision, res *domain.Resolution, precedent *domain.MemoryRecord) []string {
	plan := []string{
		fmt.Sprintf("Urgency %s, MAI %d/%d (mission %d, impact %d, risk %d): %s as %s",
			issue.Urgency, score.Total, domain.MaxTotal, score.MissionAlignment, score.Impact, score.Risk, d.Routing, d.Priority),
		fmt.Sprintf("%s to respond %s", d.Authority, d.Timeline),
	}
	if len(issue.Channels) > 0 {
		plan = append(plan, fmt.Sprintf("Channels: %v between %s and %s",
			issue.Channels, issue.Window.Start.Format(time.RFC3339), issue.Window.End.Format(time.RFC3339)))
	}
	if res != nil {
		line := fmt.Sprintf("Conflict on %s resolved by %s: %s", res.Channel, res.Strategy, res.Rationale)
		if res.Strategy == domain.StrategyEscalate {
			line = fmt.Sprintf("Conflict on %s escalated to %s for human review: %s", res.Channel, res.Authority, res.Rationale)
		}
		plan = append(plan, line)
	}
	if precedent != nil {
		line := fmt.Sprintf("Precedent: %q scored %d and was routed %s", precedent.Summary, precedent.Total, precedent.Priority)
		if precedent.Outcome != nil {
			line += fmt.Sprintf("; observed outcome %d", *precedent.Outcome)
		}
		plan = append(plan, line)
	} else {
		plan = append(plan, "No precedent on record")
	}
	return plan
}

// Route decides an issue and records the decision with its memory record.
// An issue that already has a decision gets that decision back. Notification
// happens in the background and its failures are only logged.
func (r *Router) Route(ctx context.Context, sessionID string, issue domain.Issue, score domain.Score, res *domain.Resolution) (domain.Decision, error) {
	existing, err := r.recorder.DecisionForIssue(ctx, issue.ID)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return domain.Decision{}, fmt.Errorf("checking decision for %s: %w", issue.ID, err)
	}

	var precedent *domain.MemoryRecord
	if r.memory != nil {
		precedent, err = r.memory.Latest(ctx, r.cfg.Organization, issue.Fingerprint)
		if err != nil {
			log.Printf("Memory lookup failed for %s: %v", issue.ID, err)
			precedent = nil
		}
	}

	d, err := r.Plan(sessionID, issue, score, res, precedent)
	if err != nil {
		return domain.Decision{}, err
	}
	rec := memory.FromDecision(r.cfg.Organization, issue, score, d)
	if err := r.recorder.RecordDecision(ctx, d, rec); err != nil {
		return domain.Decision{}, fmt.Errorf("recording decision for %s: %w", issue.ID, err)
	}

	if r.notifier != nil {
		go r.notify(d, issue)
	}
	return d, nil
}

func (r *Router) notify(d domain.Decision, issue domain.Issue) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.notifier.Notify(ctx, d, issue); err != nil {
		log.Printf("Notification for decision %s failed: %v", d.ID, err)
	}
}
