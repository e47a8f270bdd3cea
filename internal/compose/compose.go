// Package compose writes markdown briefings of a session's decisions.
package compose

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/keywords"
	"github.com/dal428/rapid-response-agent-system/internal/llm"
)

const composePrompt = `You are writing the TL;DR for a rapid response briefing at %s.

Here are the decisions taken in this session, highest priority first:

%s

Write a TL;DR section (2-4 bullet points) for the leadership team. Each bullet should be one sentence naming the issue, what was decided and who owns it.

Respond with ONLY this JSON:
{
    "tldr_bullets": [
        "First key takeaway",
        "Second key takeaway"
    ]
}`

// Store is the read side of the database the composer needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	SessionIssues(ctx context.Context, sessionID string) ([]domain.Issue, error)
	ListDecisions(ctx context.Context, sessionID string, limit int) ([]domain.Decision, error)
	ResolutionsForSession(ctx context.Context, sessionID string) ([]domain.Resolution, error)
}

// Briefing is a composed session report.
type Briefing struct {
	SessionID     string
	Organization  string
	State         domain.SessionState
	Theme         string
	TLDR          string
	BodyMarkdown  string
	IssueCount    int
	DecisionCount int
	ConflictCount int
	Escalations   int
	ComposedAt    time.Time
}

// Markdown returns the full briefing document.
func (b *Briefing) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Rapid response briefing: %s\n\n", b.Organization)
	fmt.Fprintf(&sb, "Session `%s` (%s), composed %s. %d issues, %d decisions, %d conflicts.\n\n",
		b.SessionID, b.State, b.ComposedAt.Format(time.RFC1123), b.IssueCount, b.DecisionCount, b.ConflictCount)
	if b.Theme != "" {
		fmt.Fprintf(&sb, "Theme: **%s**\n\n", b.Theme)
	}
	sb.WriteString("## TL;DR\n\n")
	sb.WriteString(b.TLDR)
	sb.WriteString("\n\n")
	sb.WriteString(b.BodyMarkdown)
	sb.WriteString("\n")
	return sb.String()
}

// Composer composes briefings from stored session state.
type Composer struct {
	store    Store
	provider llm.Provider
	now      func() time.Time
}

// NewComposer creates a briefing composer. provider may be nil.
func NewComposer(store Store, provider llm.Provider) *Composer {
	return &Composer{store: store, provider: provider, now: time.Now}
}

// ComposeBriefing composes the briefing for a session.
func (c *Composer) ComposeBriefing(ctx context.Context, sessionID string) (*Briefing, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	issues, err := c.store.SessionIssues(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	decisions, err := c.store.ListDecisions(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	resolutions, err := c.store.ResolutionsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Issue, len(issues))
	titles := make([]string, 0, len(issues))
	for _, i := range issues {
		byID[i.ID] = i
		titles = append(titles, i.Summary())
	}
	sortDecisions(decisions)

	b := &Briefing{
		SessionID:     s.ID,
		Organization:  s.Organization,
		State:         s.State,
		Theme:         keywords.Label(titles, 3),
		IssueCount:    len(issues),
		DecisionCount: len(decisions),
		ConflictCount: len(resolutions),
		ComposedAt:    c.now().UTC(),
	}
	for _, r := range resolutions {
		if r.Strategy == domain.StrategyEscalate {
			b.Escalations++
		}
	}

	if len(decisions) == 0 {
		log.Printf("No decisions found for session %s", sessionID)
		b.TLDR = "- No decisions recorded yet."
		b.BodyMarkdown = assembleBody(nil, byID, resolutions, s.Audit)
		return b, nil
	}

	b.TLDR = c.generateTLDR(ctx, s.Organization, decisions, byID)
	b.BodyMarkdown = assembleBody(decisions, byID, resolutions, s.Audit)
	log.Printf("Briefing composed for session %s: %d decisions", sessionID, len(decisions))
	return b, nil
}

func sortDecisions(ds []domain.Decision) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		if ds[i].ScoreTotal != ds[j].ScoreTotal {
			return ds[i].ScoreTotal > ds[j].ScoreTotal
		}
		return ds[i].IssueID < ds[j].IssueID
	})
}

func (c *Composer) generateTLDR(ctx context.Context, org string, decisions []domain.Decision, issues map[string]domain.Issue) string {
	if c.provider == nil {
		return fallbackTLDR(decisions, issues)
	}

	var parts []string
	for _, d := range decisions {
		parts = append(parts, fmt.Sprintf("- [%s %s] %s: MAI %d/45, owner %s, %s",
			d.Priority, d.Routing, issues[d.IssueID].Summary(), d.ScoreTotal, d.Authority, d.Timeline))
	}

	prompt := fmt.Sprintf(composePrompt, org, strings.Join(parts, "\n"))
	responseText, err := c.provider.Generate(ctx, prompt, 512)
	if err != nil || strings.TrimSpace(responseText) == "" {
		return fallbackTLDR(decisions, issues)
	}

	var parsed struct {
		Bullets []string `json:"tldr_bullets"`
	}
	if err := llm.DecodeJSON(responseText, &parsed); err == nil && len(parsed.Bullets) > 0 {
		lines := make([]string, len(parsed.Bullets))
		for i, b := range parsed.Bullets {
			lines[i] = "- " + b
		}
		return strings.Join(lines, "\n")
	}
	return strings.TrimSpace(responseText)
}

func fallbackTLDR(decisions []domain.Decision, issues map[string]domain.Issue) string {
	var bullets []string
	for _, d := range decisions {
		if d.Priority == domain.P3 {
			continue
		}
		bullets = append(bullets, fmt.Sprintf("- %s: %s, %s (%s)", d.Priority, issues[d.IssueID].Summary(), d.Authority, d.Timeline))
	}
	if len(bullets) == 0 {
		return "- Nothing above documentation priority this session."
	}
	return strings.Join(bullets, "\n")
}

func assembleBody(decisions []domain.Decision, issues map[string]domain.Issue, resolutions []domain.Resolution, audit []domain.AuditEntry) string {
	var sections []string

	for _, d := range decisions {
		issue := issues[d.IssueID]
		section := fmt.Sprintf("## %s %s\n\n", d.Priority, issue.Summary())
		section += fmt.Sprintf("- **Routing:** %s\n- **Authority:** %s\n- **Timeline:** %s\n- **MAI score:** %d/45\n",
			d.Routing, d.Authority, d.Timeline, d.ScoreTotal)
		if d.HumanReview {
			section += "- **Human review required**\n"
		}
		if issue.URL != "" {
			section += fmt.Sprintf("- **Source:** [%s](%s)\n", issue.Source, issue.URL)
		}
		if len(d.ActionPlan) > 0 {
			section += "\n**Action plan:**\n"
			for i, step := range d.ActionPlan {
				section += fmt.Sprintf("%d. %s\n", i+1, step)
			}
		}
		sections = append(sections, strings.TrimRight(section, "\n"))
	}

	if len(resolutions) > 0 {
		lines := []string{"## Conflicts", "", "| Type | Severity | Channel | Strategy | Authority | Elapsed |", "|---|---|---|---|---|---|"}
		for _, r := range resolutions {
			lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s | %s | %s |",
				r.Type, r.Severity, r.Channel, r.Strategy, r.Authority, r.Elapsed.Round(time.Millisecond)))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if len(audit) > 0 {
		lines := []string{"## Audit trail", ""}
		for _, e := range audit {
			line := fmt.Sprintf("- `%s` %s by %s", e.At.Format(time.RFC3339), e.Event, e.Actor)
			if e.To != "" {
				line += fmt.Sprintf(" (%s to %s)", orNone(string(e.From)), e.To)
			}
			if e.Detail != "" {
				line += ": " + e.Detail
			}
			lines = append(lines, line)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	return strings.Join(sections, "\n\n---\n\n")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
