package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/llm"
)

// ErrMalformed marks an oracle reply that is missing fields or out of range.
var ErrMalformed = errors.New("malformed oracle response")

// OracleRequest is what the oracle is asked to judge.
type OracleRequest struct {
	Title     string
	Content   string
	Urgency   domain.Urgency
	Manifesto domain.Manifesto
}

// OracleResponse carries the three MAI components.
type OracleResponse struct {
	Mission   int
	Impact    int
	Risk      int
	Rationale string
}

// Validate checks every component is within [0,15].
func (r OracleResponse) Validate() error {
	for name, v := range map[string]int{"mission_alignment": r.Mission, "impact": r.Impact, "risk": r.Risk} {
		if v < domain.MinComponent || v > domain.MaxComponent {
			return fmt.Errorf("%w: %s=%d", ErrMalformed, name, v)
		}
	}
	return nil
}

// Oracle scores an issue against a manifesto. Implementations should honor
// ctx but are not required to.
type Oracle interface {
	Score(ctx context.Context, req OracleRequest) (OracleResponse, error)
}

const scoringPrompt = `You assess incoming issues for %s, a mission-driven organization.

Core principles:
%s

Strategic priorities:
%s

Score the issue below on three dimensions, each an integer from 0 to 15:
- mission_alignment: how directly the issue touches the core principles
- impact: how much a response would advance the strategic priorities
- risk: how much harm follows if the organization stays silent

Issue title: %s
Urgency: %s
Content:
%s

Respond with ONLY this JSON:
{
    "mission_alignment": 0-15,
    "impact": 0-15,
    "risk": 0-15,
    "rationale": "One or two sentences"
}`

// LLMOracle asks an LLM provider for the score.
type LLMOracle struct {
	provider  llm.Provider
	maxTokens int
}

// NewLLMOracle wraps a provider.
func NewLLMOracle(provider llm.Provider, maxTokens int) *LLMOracle {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMOracle{provider: provider, maxTokens: maxTokens}
}

func (o *LLMOracle) Score(ctx context.Context, req OracleRequest) (OracleResponse, error) {
	content := req.Content
	if len(content) > 4000 {
		content = content[:4000] + "..."
	}
	prompt := fmt.Sprintf(scoringPrompt,
		req.Manifesto.Organization,
		bulletList(req.Manifesto.CorePrinciples),
		bulletList(req.Manifesto.StrategicPriorities),
		req.Title, req.Urgency, content,
	)

	text, err := o.provider.Generate(ctx, prompt, o.maxTokens)
	if err != nil {
		return OracleResponse{}, err
	}

	var parsed struct {
		Mission   *int   `json:"mission_alignment"`
		Impact    *int   `json:"impact"`
		Risk      *int   `json:"risk"`
		Rationale string `json:"rationale"`
	}
	if err := llm.DecodeJSON(text, &parsed); err != nil {
		return OracleResponse{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if parsed.Mission == nil || parsed.Impact == nil || parsed.Risk == nil {
		return OracleResponse{}, fmt.Errorf("%w: missing component", ErrMalformed)
	}
	return OracleResponse{
		Mission:   *parsed.Mission,
		Impact:    *parsed.Impact,
		Risk:      *parsed.Risk,
		Rationale: strings.TrimSpace(parsed.Rationale),
	}, nil
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "None defined"
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}
