package domain

import "time"

// Component bounds for a MAI score dimension.
const (
	MinComponent = 0
	MaxComponent = 15
	MaxTotal     = 3 * MaxComponent
)

// ScoreMethod records how the fresh components were produced.
type ScoreMethod string

const (
	MethodOracle   ScoreMethod = "oracle"
	MethodFallback ScoreMethod = "fallback"
)

// Score is the Mission Alignment Intelligence score of one issue.
// Build it with NewScore so Total always equals the component sum.
type Score struct {
	ID               string      `json:"id"`
	IssueID          string      `json:"issue_id"`
	MissionAlignment int         `json:"mission_alignment"`
	Impact           int         `json:"impact"`
	Risk             int         `json:"risk"`
	Total            int         `json:"total"`
	Rationale        string      `json:"rationale"`
	Method           ScoreMethod `json:"method"`
	PrecedentID      string      `json:"precedent_id,omitempty"`
	Adjustment       int         `json:"adjustment"`
	CreatedAt        time.Time   `json:"created_at"`
}

// NewScore clamps each component into range and sums them.
func NewScore(id, issueID string, mission, impact, risk int, method ScoreMethod, rationale string) Score {
	s := Score{
		ID:               id,
		IssueID:          issueID,
		MissionAlignment: ClampComponent(mission),
		Impact:           ClampComponent(impact),
		Risk:             ClampComponent(risk),
		Method:           method,
		Rationale:        rationale,
	}
	s.Total = s.MissionAlignment + s.Impact + s.Risk
	return s
}

// Valid reports whether the score satisfies the range and sum invariants.
func (s Score) Valid() bool {
	for _, c := range []int{s.MissionAlignment, s.Impact, s.Risk} {
		if c < MinComponent || c > MaxComponent {
			return false
		}
	}
	return s.Total == s.MissionAlignment+s.Impact+s.Risk
}

// Adjust shifts the total by delta, spreading it across components so each
// stays in range. Positive deltas fill mission first; negative deltas drain
// risk first. It returns the delta actually applied.
func (s *Score) Adjust(delta int) int {
	applied := 0
	if delta > 0 {
		for _, c := range []*int{&s.MissionAlignment, &s.Impact, &s.Risk} {
			room := MaxComponent - *c
			step := min(room, delta-applied)
			*c += step
			applied += step
		}
	} else if delta < 0 {
		for _, c := range []*int{&s.Risk, &s.Impact, &s.MissionAlignment} {
			room := *c - MinComponent
			step := min(room, applied-delta)
			*c -= step
			applied -= step
		}
	}
	s.Total = s.MissionAlignment + s.Impact + s.Risk
	s.Adjustment += applied
	return applied
}

// ClampComponent forces v into [0,15].
func ClampComponent(v int) int {
	if v < MinComponent {
		return MinComponent
	}
	if v > MaxComponent {
		return MaxComponent
	}
	return v
}
