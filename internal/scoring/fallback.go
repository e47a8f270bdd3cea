package scoring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/keywords"
)

// ErrNoTerms is returned when an issue has nothing the fallback can score.
var ErrNoTerms = errors.New("no scoreable terms")

const pointsPerTerm = 5

var (
	urgencyBonus = map[domain.Urgency]int{domain.UrgencyLow: 0, domain.UrgencyMedium: 3, domain.UrgencyHigh: 5}
	riskBase     = map[domain.Urgency]int{domain.UrgencyLow: 4, domain.UrgencyMedium: 7, domain.UrgencyHigh: 10}
)

// Fallback scores issues deterministically from manifesto keyword overlap.
type Fallback struct {
	principles map[string]bool
	priorities map[string]bool
	all        map[string]bool
}

// NewFallback builds the term sets of a manifesto.
func NewFallback(m domain.Manifesto) *Fallback {
	all := keywords.Terms(m.CorePrinciples)
	for t := range keywords.Terms(m.StrategicPriorities) {
		all[t] = true
	}
	return &Fallback{
		principles: keywords.Terms(m.CorePrinciples),
		priorities: keywords.Terms(m.StrategicPriorities),
		all:        all,
	}
}

// Score returns clamped mission, impact and risk components.
func (f *Fallback) Score(issue domain.Issue) (OracleResponse, error) {
	tokens := keywords.Tokenize(issue.Text())
	if len(tokens) == 0 {
		return OracleResponse{}, ErrNoTerms
	}

	principleHits := keywords.Match(tokens, f.principles)
	priorityHits := keywords.Match(tokens, f.priorities)
	allHits := keywords.Match(tokens, f.all)

	resp := OracleResponse{
		Mission: domain.ClampComponent(pointsPerTerm * len(principleHits)),
		Impact:  domain.ClampComponent(pointsPerTerm*len(priorityHits) + urgencyBonus[issue.Urgency]),
		Risk:    domain.ClampComponent(riskBase[issue.Urgency] + 2*len(allHits)),
	}
	resp.Rationale = fmt.Sprintf("keyword fallback: principles [%s], priorities [%s], urgency %s",
		strings.Join(principleHits, ", "), strings.Join(priorityHits, ", "), issue.Urgency)
	return resp, nil
}
