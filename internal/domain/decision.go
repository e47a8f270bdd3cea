package domain

import "time"

// Priority is the final routing tier.
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Routing is the handling path chosen for an issue.
type Routing string

const (
	RoutingHumanReview   Routing = "TIER_2_HUMAN_REVIEW"
	RoutingMonitoring    Routing = "ENHANCED_MONITORING"
	RoutingDocumentation Routing = "DOCUMENTATION_ONLY"
)

// Decision is the terminal, append-only artifact of the pipeline.
type Decision struct {
	ID            string        `json:"id"`
	IssueID       string        `json:"issue_id"`
	ScoreID       string        `json:"score_id"`
	SessionID     string        `json:"session_id"`
	ResolutionID  string        `json:"resolution_id,omitempty"`
	Priority      Priority      `json:"priority"`
	Routing       Routing       `json:"routing"`
	HumanReview   bool          `json:"human_review"`
	Authority     string        `json:"authority"`
	Timeline      string        `json:"timeline"`
	TimelineBound time.Duration `json:"timeline_bound"`
	Resources     []string      `json:"resources"`
	ActionPlan    []string      `json:"action_plan"`
	ScoreTotal    int           `json:"score_total"`
	DecidedAt     time.Time     `json:"decided_at"`
}

// MemoryRecord is one entry of institutional memory.
type MemoryRecord struct {
	ID           string    `json:"id"`
	Organization string    `json:"organization"`
	Fingerprint  string    `json:"fingerprint"`
	IssueID      string    `json:"issue_id"`
	DecisionID   string    `json:"decision_id"`
	Summary      string    `json:"summary"`
	Category     string    `json:"category"`
	Mission      int       `json:"mission"`
	Impact       int       `json:"impact"`
	Risk         int       `json:"risk"`
	Total        int       `json:"total"`
	Priority     Priority  `json:"priority"`
	Outcome      *int      `json:"outcome,omitempty"`
	OutcomeNote  string    `json:"outcome_note,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Target is the total that later scores are nudged toward: the observed
// outcome when one was recorded, otherwise the decision-time total.
func (m MemoryRecord) Target() int {
	if m.Outcome != nil {
		return *m.Outcome
	}
	return m.Total
}
