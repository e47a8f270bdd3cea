// Package intake normalizes raw issues, assigns urgency and queues them per session.
package intake

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/keywords"
	"github.com/dal428/rapid-response-agent-system/internal/memory"
)

const defaultResponseWindow = 2 * time.Hour

// RawIssue is an issue as delivered by a source, before validation.
type RawIssue struct {
	Title      string             `yaml:"title"`
	Content    string             `yaml:"content"`
	Source     string             `yaml:"source"`
	URL        string             `yaml:"url"`
	ObservedAt time.Time          `yaml:"observed_at"`
	Urgency    string             `yaml:"urgency"`
	Channels   []string           `yaml:"channels"`
	Audiences  []string           `yaml:"audiences"`
	Window     *domain.TimeWindow `yaml:"-"`
	WindowFrom *time.Time         `yaml:"window_start"`
	WindowTo   *time.Time         `yaml:"window_end"`
}

// IngestError reports a raw issue that was rejected at intake.
type IngestError struct {
	Title  string
	Source string
	Reason string
}

func (e *IngestError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("ingest %q: %s", e.Title, e.Reason)
	}
	return "ingest: " + e.Reason
}

// IssueStore is where ingested issues are persisted.
type IssueStore interface {
	SaveIssue(ctx context.Context, issue domain.Issue) (bool, error)
	AddSessionIssue(ctx context.Context, sessionID, issueID string) (bool, error)
}

// Config holds intake settings.
type Config struct {
	Manifesto        domain.Manifesto
	UrgencyKeywords  map[domain.Urgency][]string
	DefaultChannels  []string
	DefaultAudiences []string
	ResponseWindow   time.Duration
	QueueWarnLength  int
}

// Intake validates raw issues and places them on session queues.
type Intake struct {
	cfg        Config
	store      IssueStore
	queues     *Queues
	classifier *Classifier
	principles map[string]bool
	priorities map[string]bool
}

// New creates an intake stage.
func New(cfg Config, store IssueStore, queues *Queues) *Intake {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = defaultResponseWindow
	}
	if len(cfg.DefaultChannels) == 0 {
		cfg.DefaultChannels = []string{"email"}
	}
	return &Intake{
		cfg:        cfg,
		store:      store,
		queues:     queues,
		classifier: NewClassifier(cfg.UrgencyKeywords),
		principles: keywords.Terms(cfg.Manifesto.CorePrinciples),
		priorities: keywords.Terms(cfg.Manifesto.StrategicPriorities),
	}
}

// Queues returns the per-session queues this intake feeds.
func (in *Intake) Queues() *Queues {
	return in.queues
}

// Ingest validates and normalizes a raw issue, persists it and pushes it onto
// the session's queue. An issue already in the session is returned without
// being queued again.
func (in *Intake) Ingest(ctx context.Context, sessionID string, raw RawIssue) (domain.Issue, error) {
	issue, _, err := in.ingest(ctx, sessionID, raw)
	return issue, err
}

func (in *Intake) ingest(ctx context.Context, sessionID string, raw RawIssue) (domain.Issue, bool, error) {
	issue, err := in.Normalize(raw)
	if err != nil {
		return domain.Issue{}, false, err
	}

	if _, err := in.store.SaveIssue(ctx, issue); err != nil {
		return domain.Issue{}, false, fmt.Errorf("saving issue: %w", err)
	}
	added, err := in.store.AddSessionIssue(ctx, sessionID, issue.ID)
	if err != nil {
		return domain.Issue{}, false, fmt.Errorf("attaching issue to session: %w", err)
	}
	if !added {
		return issue, false, nil
	}

	q := in.queues.For(sessionID)
	q.Push(issue)
	if in.cfg.QueueWarnLength > 0 && q.Len() >= in.cfg.QueueWarnLength {
		log.Printf("Queue for session %s holds %d issues", sessionID, q.Len())
	}
	return issue, true, nil
}

// Normalize validates a raw issue and fills in urgency, defaults, category
// and fingerprint. It does not persist anything.
func (in *Intake) Normalize(raw RawIssue) (domain.Issue, error) {
	title := strings.TrimSpace(raw.Title)
	content := strings.TrimSpace(raw.Content)
	source := strings.TrimSpace(raw.Source)

	switch {
	case content == "":
		return domain.Issue{}, &IngestError{Title: title, Source: source, Reason: "missing content"}
	case source == "":
		return domain.Issue{}, &IngestError{Title: title, Reason: "missing source"}
	case raw.ObservedAt.IsZero():
		return domain.Issue{}, &IngestError{Title: title, Source: source, Reason: "missing timestamp"}
	}

	observed := raw.ObservedAt.UTC()
	issue := domain.Issue{
		ID:         IssueID(source, raw.URL, title, observed),
		Title:      title,
		Content:    content,
		Source:     source,
		URL:        raw.URL,
		ObservedAt: observed,
		Channels:   nonEmpty(raw.Channels, in.cfg.DefaultChannels),
		Audiences:  nonEmpty(raw.Audiences, in.cfg.DefaultAudiences),
	}

	urgency, matched := in.classifier.Classify(issue.Text())
	if raw.Urgency != "" {
		if hint, ok := domain.ParseUrgency(raw.Urgency); ok {
			urgency = domain.MaxUrgency(urgency, hint)
		} else {
			log.Printf("Ignoring unknown urgency %q on %q", raw.Urgency, title)
		}
	}
	issue.Urgency = urgency
	issue.MatchedKeywords = matched

	switch {
	case raw.Window != nil:
		issue.Window = *raw.Window
	case raw.WindowFrom != nil && raw.WindowTo != nil:
		issue.Window = domain.TimeWindow{Start: raw.WindowFrom.UTC(), End: raw.WindowTo.UTC()}
	default:
		issue.Window = domain.TimeWindow{Start: observed, End: observed.Add(in.cfg.ResponseWindow)}
	}
	if !issue.Window.End.After(issue.Window.Start) {
		return domain.Issue{}, &IngestError{Title: title, Source: source, Reason: "response window ends before it starts"}
	}

	tokens := keywords.Tokenize(issue.Text())
	issue.Category = in.category(tokens)
	terms := append(keywords.Match(tokens, in.principles), keywords.Match(tokens, in.priorities)...)
	issue.Fingerprint = memory.Fingerprint(issue.Category, dedupe(terms))
	return issue, nil
}

// category is the first strategic priority the issue touches.
func (in *Intake) category(tokens []string) string {
	for _, p := range in.cfg.Manifesto.StrategicPriorities {
		if len(keywords.Match(tokens, keywords.Terms([]string{p}))) > 0 {
			return keywords.Slug(p)
		}
	}
	return "general"
}

// IssueID derives a stable ID so repeated polls of the same item collapse.
func IssueID(source, url, title string, observed time.Time) string {
	key := strings.Join([]string{source, url, title, observed.UTC().Format(time.RFC3339)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func nonEmpty(v, fallback []string) []string {
	if len(v) > 0 {
		return append([]string(nil), v...)
	}
	return append([]string(nil), fallback...)
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
