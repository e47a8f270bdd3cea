package domain

import "time"

// ConflictType classifies why two candidate responses collide.
type ConflictType string

const (
	ConflictTiming   ConflictType = "timing"
	ConflictAudience ConflictType = "audience"
	ConflictPriority ConflictType = "priority"
)

// Severity levels, ordered.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityFromRank maps a numeric level onto a severity, saturating at critical.
func SeverityFromRank(r int) Severity {
	switch {
	case r <= 1:
		return SeverityLow
	case r == 2:
		return SeverityModerate
	case r == 3:
		return SeverityHigh
	}
	return SeverityCritical
}

// Strategy is the outcome chosen by the Lightning Protocol.
type Strategy string

const (
	StrategySegment  Strategy = "segment"
	StrategyDelay    Strategy = "delay"
	StrategyProceed  Strategy = "proceed"
	StrategyEscalate Strategy = "escalate"
)

// Conflict exists only while it is being resolved.
type Conflict struct {
	ID         string
	IssueIDs   []string
	Type       ConflictType
	Severity   Severity
	Channel    string
	Overlap    time.Duration
	DetectedAt time.Time
}

// IssueAdjustment is the channel/time change a resolution makes to one issue.
type IssueAdjustment struct {
	IssueID  string     `json:"issue_id"`
	Channels []string   `json:"channels"`
	Window   TimeWindow `json:"window"`
}

// Resolution is the single outcome of one Conflict.
type Resolution struct {
	ID             string            `json:"id"`
	ConflictID     string            `json:"conflict_id"`
	SessionID      string            `json:"session_id,omitempty"`
	IssueIDs       []string          `json:"issue_ids"`
	Type           ConflictType      `json:"type"`
	Severity       Severity          `json:"severity"`
	Channel        string            `json:"channel"`
	Strategy       Strategy          `json:"strategy"`
	Authority      string            `json:"authority"`
	Adjustments    []IssueAdjustment `json:"adjustments,omitempty"`
	Elapsed        time.Duration     `json:"elapsed"`
	WithinBudget   bool              `json:"within_budget"`
	BudgetExceeded bool              `json:"budget_exceeded"`
	HumanReview    bool              `json:"human_review"`
	Rationale      string            `json:"rationale"`
	ResolvedAt     time.Time         `json:"resolved_at"`
}

// Involves reports whether the resolution covers the issue.
func (r Resolution) Involves(issueID string) bool {
	for _, id := range r.IssueIDs {
		if id == issueID {
			return true
		}
	}
	return false
}
