package intake

import (
	"sort"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/keywords"
)

// DefaultUrgencyKeywords are used when no keyword map is configured.
var DefaultUrgencyKeywords = map[domain.Urgency][]string{
	domain.UrgencyHigh: {
		"privacy breach", "security vulnerability", "data leak", "contamination",
		"emergency", "outbreak", "evacuation",
	},
	domain.UrgencyMedium: {
		"ai ethics", "platform accountability", "digital rights", "regulation",
		"legislation", "lawsuit",
	},
	domain.UrgencyLow: {
		"accessibility", "open source", "survey",
	},
}

// Classifier assigns urgency tiers from keyword phrases.
type Classifier struct {
	tiers map[domain.Urgency][]string
}

// NewClassifier creates a classifier. A nil map uses DefaultUrgencyKeywords.
func NewClassifier(tiers map[domain.Urgency][]string) *Classifier {
	if len(tiers) == 0 {
		tiers = DefaultUrgencyKeywords
	}
	return &Classifier{tiers: tiers}
}

// Classify returns the highest tier with a matching phrase, defaulting to
// low, and every phrase that matched.
func (c *Classifier) Classify(text string) (domain.Urgency, []string) {
	urgency := domain.UrgencyLow
	var matched []string
	for tier, phrases := range c.tiers {
		for _, p := range phrases {
			if keywords.ContainsPhrase(text, p) {
				matched = append(matched, p)
				urgency = domain.MaxUrgency(urgency, tier)
			}
		}
	}
	sort.Strings(matched)
	return urgency, matched
}
