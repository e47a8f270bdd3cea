package conflict

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// Candidate is a response competing for a channel: a scored issue or a
// scheduled commitment.
type Candidate struct {
	Issue     domain.Issue
	Score     domain.Score
	Scheduled bool
}

// Commitment is pre-scheduled content such as a fundraising email.
type Commitment struct {
	Name      string
	Channels  []string
	Audiences []string
	Window    domain.TimeWindow
	Priority  domain.Urgency
}

var commitmentTotals = map[domain.Urgency]int{
	domain.UrgencyHigh:   35,
	domain.UrgencyMedium: 20,
	domain.UrgencyLow:    10,
}

// Candidate turns a commitment into a fixed-score conflict candidate.
func (c Commitment) Candidate() Candidate {
	id := "scheduled:" + strings.ToLower(strings.Join(strings.Fields(c.Name), "-"))
	total := commitmentTotals[c.Priority]
	third := total / 3
	issue := domain.Issue{
		ID:         id,
		Title:      c.Name,
		Content:    c.Name,
		Source:     "schedule",
		ObservedAt: c.Window.Start,
		Urgency:    c.Priority,
		Channels:   append([]string(nil), c.Channels...),
		Audiences:  append([]string(nil), c.Audiences...),
		Window:     c.Window,
	}
	score := domain.NewScore(id, id, third, third, total-2*third, "scheduled", "scheduled commitment")
	return Candidate{Issue: issue, Score: score, Scheduled: true}
}

var typeBase = map[domain.ConflictType]int{
	domain.ConflictTiming:   1,
	domain.ConflictAudience: 2,
	domain.ConflictPriority: 3,
}

// Severity combines the conflict type with the pair's combined score.
func Severity(t domain.ConflictType, combinedTotal int) domain.Severity {
	level := typeBase[t]
	switch {
	case combinedTotal >= 60:
		level += 2
	case combinedTotal >= 30:
		level++
	}
	return domain.SeverityFromRank(level)
}

// Detect returns at most one conflict per pair of candidates, in pair order.
// Two scheduled commitments never conflict with each other.
func Detect(candidates []Candidate, minOverlap time.Duration, now time.Time) []domain.Conflict {
	var out []domain.Conflict
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if c, ok := detectPair(candidates[i], candidates[j], minOverlap, now); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func detectPair(a, b Candidate, minOverlap time.Duration, now time.Time) (domain.Conflict, bool) {
	if a.Scheduled && b.Scheduled {
		return domain.Conflict{}, false
	}
	channel, ok := firstSharedChannel(a.Issue, b.Issue)
	if !ok {
		return domain.Conflict{}, false
	}
	overlap := a.Issue.Window.Overlap(b.Issue.Window)

	var typ domain.ConflictType
	switch {
	case a.Issue.Urgency == domain.UrgencyHigh && b.Issue.Urgency == domain.UrgencyHigh:
		typ = domain.ConflictPriority
	case a.Issue.SharesAudience(b.Issue) && overlap > 0:
		typ = domain.ConflictAudience
	case overlap > minOverlap:
		typ = domain.ConflictTiming
	default:
		return domain.Conflict{}, false
	}

	ids := []string{a.Issue.ID, b.Issue.ID}
	return domain.Conflict{
		ID:         conflictID(ids, typ),
		IssueIDs:   ids,
		Type:       typ,
		Severity:   Severity(typ, a.Score.Total+b.Score.Total),
		Channel:    channel,
		Overlap:    overlap,
		DetectedAt: now,
	}, true
}

// firstSharedChannel picks the alphabetically first channel both propose.
func firstSharedChannel(a, b domain.Issue) (string, bool) {
	var shared []string
	for _, c := range a.Channels {
		for _, oc := range b.Channels {
			if c == oc {
				shared = append(shared, c)
			}
		}
	}
	if len(shared) == 0 {
		return "", false
	}
	sort.Strings(shared)
	return shared[0], true
}

func conflictID(issueIDs []string, typ domain.ConflictType) string {
	sorted := append([]string(nil), issueIDs...)
	sort.Strings(sorted)
	key := string(typ) + "|" + strings.Join(sorted, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// lowerScored orders a pair: lower total first, then later observation,
// then larger ID.
func lowerScored(a, b Candidate) (lower, higher Candidate) {
	switch {
	case a.Score.Total != b.Score.Total:
		if a.Score.Total < b.Score.Total {
			return a, b
		}
		return b, a
	case !a.Issue.ObservedAt.Equal(b.Issue.ObservedAt):
		if a.Issue.ObservedAt.After(b.Issue.ObservedAt) {
			return a, b
		}
		return b, a
	case a.Issue.ID > b.Issue.ID:
		return a, b
	}
	return b, a
}
