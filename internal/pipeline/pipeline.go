package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dal428/rapid-response-agent-system/internal/config"
	"github.com/dal428/rapid-response-agent-system/internal/conflict"
	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/intake"
	"github.com/dal428/rapid-response-agent-system/internal/llm"
	"github.com/dal428/rapid-response-agent-system/internal/memory"
	"github.com/dal428/rapid-response-agent-system/internal/notify"
	"github.com/dal428/rapid-response-agent-system/internal/routing"
	"github.com/dal428/rapid-response-agent-system/internal/scoring"
	"github.com/dal428/rapid-response-agent-system/internal/session"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one processing cycle over a session.
type Result struct {
	SessionID         string
	Steps             []StepResult
	IssuesProcessed   int
	ConflictsResolved int
	Escalations       int
	Failures          int
	Decisions         []domain.Decision
	CycleTime         time.Duration
	Paused            bool
	Completed         bool
}

// Options override the components built from config.
type Options struct {
	Provider llm.Provider
	Oracle   scoring.Oracle
	Notifier notify.Notifier
	Sources  []intake.Source
}

// Pipeline drives issues through intake, scoring, conflict resolution and
// routing. Every stage reads and writes persisted state, so running a stage
// twice does not redo finished work.
type Pipeline struct {
	cfg      *config.Config
	db       *database.DB
	provider llm.Provider
	sessions *session.Manager
	intake   *intake.Intake
	monitor  *intake.Monitor
	scorer   *scoring.Scorer
	resolver *conflict.Resolver
	router   *routing.Router
	actor    string
	now      func() time.Time
}

// New wires the pipeline components from config.
func New(cfg *config.Config, db *database.DB, opts Options) *Pipeline {
	provider := opts.Provider
	if provider == nil && opts.Oracle == nil {
		o := cfg.Oracle
		provider = llm.CreateProvider(llm.Config{
			Provider:    o.Provider,
			Model:       o.Model,
			OllamaURL:   o.OllamaURL,
			OpenAIModel: o.OpenAIModel,
			APIKeyEnv:   o.APIKeyEnv,
		})
	}
	oracle := opts.Oracle
	if oracle == nil && provider != nil {
		oracle = scoring.NewLLMOracle(provider, cfg.Oracle.MaxTokens)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
		if hook := notify.NewWebhookNotifier(cfg.Notifier.WebhookURLEnv, cfg.Notifier.Timeout); hook != nil {
			notifier = notify.Multi{notify.LogNotifier{}, hook}
		}
	}

	manifesto := cfg.DomainManifesto()
	store := db.Memory()
	in := intake.New(intake.Config{
		Manifesto:        manifesto,
		UrgencyKeywords:  cfg.UrgencyTiers(),
		DefaultChannels:  cfg.Intake.DefaultChannels,
		DefaultAudiences: cfg.Intake.DefaultAudiences,
		ResponseWindow:   cfg.Intake.ResponseWindow,
		QueueWarnLength:  cfg.Intake.QueueWarnLength,
	}, db, intake.NewQueues())

	sources := opts.Sources
	if sources == nil {
		sources = BuildSources(cfg)
	}

	p := &Pipeline{
		cfg:      cfg,
		db:       db,
		provider: provider,
		sessions: session.NewManager(db),
		intake:   in,
		monitor:  intake.NewMonitor(in, sources...),
		scorer: scoring.New(scoring.Config{
			Organization:       cfg.Organization,
			Manifesto:          manifesto,
			OracleTimeout:      cfg.Oracle.Timeout,
			PrecedentTolerance: cfg.Scoring.PrecedentTolerance,
			PrecedentWeight:    cfg.Scoring.PrecedentWeight,
			Concurrency:        cfg.Scoring.Concurrency,
		}, oracle, store),
		resolver: conflict.New(conflictConfig(cfg)),
		router: routing.New(routing.Config{
			Organization:         cfg.Organization,
			HumanReviewThreshold: cfg.Routing.HumanReviewThreshold,
			MonitoringThreshold:  cfg.Routing.MonitoringThreshold,
			Authorities:          routingAuthorities(cfg),
			NotifyTimeout:        cfg.Notifier.Timeout,
		}, db, store, notifier),
		actor: cfg.Session.Actor,
		now:   time.Now,
	}
	p.monitor.OnError = p.recordIntakeError
	return p
}

// BuildSources creates the issue sources enabled in config.
func BuildSources(cfg *config.Config) []intake.Source {
	var sources []intake.Source
	if len(cfg.Sources.Feeds) > 0 {
		var fetcher *intake.ContentFetcher
		if cfg.Sources.FetchContent {
			fetcher = intake.NewContentFetcher(cfg.Sources.FetchTimeout)
		}
		feeds := make([]intake.FeedConfig, len(cfg.Sources.Feeds))
		for i, f := range cfg.Sources.Feeds {
			feeds[i] = intake.FeedConfig{URL: f.URL, Name: f.Name, Channels: f.Channels, Audiences: f.Audiences}
		}
		sources = append(sources, intake.NewFeedSource(feeds, cfg.Sources.MaxAge, fetcher))
	}
	for _, path := range cfg.Sources.Files {
		sources = append(sources, intake.NewFileSource(path))
	}
	if n := cfg.Sources.NewsAPI; n.Enabled {
		src := intake.NewNewsAPISource(n.APIKeyEnv, n.Keywords, n.Lookback)
		if src.IsConfigured() {
			sources = append(sources, src)
		} else {
			log.Printf("NewsAPI enabled but %s is not set; skipping", n.APIKeyEnv)
		}
	}
	return sources
}

func conflictConfig(cfg *config.Config) conflict.Config {
	c := cfg.Conflict
	schedule := c.Schedule
	return conflict.Config{
		MinOverlap: c.MinOverlap,
		Budget:     c.Budget,
		Bucket:     c.Bucket,
		MaxDelay: map[domain.Urgency]time.Duration{
			domain.UrgencyLow:    c.MaxDelay.Low,
			domain.UrgencyMedium: c.MaxDelay.Medium,
			domain.UrgencyHigh:   c.MaxDelay.High,
		},
		AlternateChannels: c.AlternateChannels,
		Authorities: map[domain.Severity]string{
			domain.SeverityLow:      c.Authorities.Low,
			domain.SeverityModerate: c.Authorities.Moderate,
			domain.SeverityHigh:     c.Authorities.High,
			domain.SeverityCritical: c.Authorities.Critical,
		},
		Schedule: func(now time.Time) []conflict.Commitment {
			out := make([]conflict.Commitment, 0, len(schedule))
			for _, s := range schedule {
				priority, _ := domain.ParseUrgency(s.Priority)
				out = append(out, conflict.Commitment{
					Name:      s.Name,
					Channels:  s.Channels,
					Audiences: s.Audiences,
					Window:    s.Window(now),
					Priority:  priority,
				})
			}
			return out
		},
	}
}

func routingAuthorities(cfg *config.Config) map[domain.Priority]routing.Authority {
	if len(cfg.Routing.Authorities) == 0 {
		return nil
	}
	out := make(map[domain.Priority]routing.Authority, len(cfg.Routing.Authorities))
	for k, a := range cfg.Routing.Authorities {
		out[domain.Priority(k)] = routing.Authority{Standard: a.Standard, Conflict: a.Conflict}
	}
	return out
}

// Sessions returns the session manager.
func (p *Pipeline) Sessions() *session.Manager { return p.sessions }

// Intake returns the intake stage.
func (p *Pipeline) Intake() *intake.Intake { return p.intake }

// Provider returns the LLM provider, or nil when scoring is fallback-only.
func (p *Pipeline) Provider() llm.Provider { return p.provider }

// Run starts a session, polls every source once and processes what arrived.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	s, err := p.Start(ctx)
	if err != nil {
		return nil, err
	}
	return p.RunSession(ctx, s.ID), nil
}

// Start opens a new ACTIVE session.
func (p *Pipeline) Start(ctx context.Context) (*domain.Session, error) {
	return p.sessions.Start(ctx, p.cfg.Organization, p.actor)
}

// RunSession polls every source once into an existing session and
// processes it.
func (p *Pipeline) RunSession(ctx context.Context, sessionID string) *Result {
	log.Println("Step 1/4: Ingesting issues...")
	poll := p.monitor.PollOnce(ctx, sessionID)
	ingest := StepResult{
		Name:    "Ingest",
		Summary: fmt.Sprintf("Queued %d issues (%d found, %d rejected)", poll.Ingested, poll.Found, poll.Rejected),
		Err:     poll.Err,
	}

	r := p.process(ctx, sessionID, true)
	r.Steps = append([]StepResult{ingest}, r.Steps...)
	r.Failures += poll.Rejected
	return r
}

// Process runs scoring, conflict resolution and routing over everything
// pending in an ACTIVE session, then completes the session if every issue
// has been routed.
func (p *Pipeline) Process(ctx context.Context, sessionID string) *Result {
	return p.process(ctx, sessionID, true)
}

func (p *Pipeline) process(ctx context.Context, sessionID string, complete bool) *Result {
	start := p.now()
	r := &Result{SessionID: sessionID}
	defer func() { r.CycleTime = p.now().Sub(start) }()

	opCtx, done, err := p.sessions.Track(ctx, sessionID)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Session", Err: err})
		return r
	}
	defer done()
	// Queued issues are also recorded in the session; the database is the
	// source of truth for what is pending.
	p.intake.Queues().For(sessionID).Drain()

	for _, stage := range []func(context.Context, string, *Result) StepResult{p.scoreStage, p.resolveStage, p.routeStage} {
		step := stage(opCtx, sessionID, r)
		r.Steps = append(r.Steps, step)
		if opCtx.Err() != nil {
			r.Paused = ctx.Err() == nil
			return r
		}
		if step.Err != nil {
			return r
		}
	}

	if complete {
		p.complete(ctx, sessionID, r)
	}
	return r
}

func (p *Pipeline) complete(ctx context.Context, sessionID string, r *Result) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil || !s.AllRouted() || len(s.RetryPending) > 0 {
		return
	}
	if err := p.sessions.Complete(ctx, sessionID, p.actor); err != nil {
		var se *session.StateError
		if !errors.As(err, &se) {
			log.Printf("Completing session %s: %v", sessionID, err)
		}
		return
	}
	r.Completed = true
	log.Printf("Session %s resolved: %d issues routed", sessionID, len(s.IssueIDs))
	if p.cfg.Session.AutoArchive {
		if err := p.sessions.Archive(ctx, sessionID, p.actor); err != nil {
			log.Printf("Archiving session %s: %v", sessionID, err)
		}
	}
}

// pending returns the session's issues whose last completed stage is exactly
// stage. Issues flagged for retry stay at the stage that failed, so they are
// included.
func (p *Pipeline) pending(ctx context.Context, sessionID string, stage domain.Stage) ([]domain.Issue, error) {
	s, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	issues, err := p.db.SessionIssues(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []domain.Issue
	for _, issue := range issues {
		if s.Progress[issue.ID] == stage {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (p *Pipeline) scoreStage(ctx context.Context, sessionID string, r *Result) StepResult {
	log.Println("Step 2/4: Scoring issues...")
	issues, err := p.pending(ctx, sessionID, domain.StageIngested)
	if err != nil {
		return StepResult{Name: "Score", Err: err}
	}

	// A score stored before an interruption is reused rather than recomputed.
	var toScore []domain.Issue
	reused := 0
	for _, issue := range issues {
		if _, err := p.db.LatestScore(ctx, issue.ID); err == nil {
			if err := p.sessions.RecordProgress(ctx, sessionID, issue.ID, domain.StageScored); err != nil {
				return StepResult{Name: "Score", Err: err}
			}
			reused++
			continue
		}
		toScore = append(toScore, issue)
	}

	outcomes, batchErr := p.scorer.ScoreAll(ctx, toScore)
	// Scores finished before a pause are kept so the oracle is not asked twice.
	persist := context.WithoutCancel(ctx)
	scored, failed := 0, 0
	for _, o := range outcomes {
		if o.Err != nil {
			if ctx.Err() != nil {
				continue
			}
			failed++
			p.recordError(ctx, sessionID, o.Issue.ID, "score", o.Err, true)
			continue
		}
		if err := p.db.InsertScore(persist, o.Score); err != nil {
			failed++
			p.recordError(ctx, sessionID, o.Issue.ID, "score", err, true)
			continue
		}
		if err := p.sessions.RecordProgress(persist, sessionID, o.Issue.ID, domain.StageScored); err != nil {
			return StepResult{Name: "Score", Err: err}
		}
		scored++
	}
	r.Failures += failed
	return StepResult{
		Name:    "Score",
		Summary: fmt.Sprintf("Scored %d issues (%d reused, %d failed)", scored, reused, failed),
		Err:     batchErr,
	}
}

func (p *Pipeline) resolveStage(ctx context.Context, sessionID string, r *Result) StepResult {
	log.Println("Step 3/4: Resolving conflicts...")
	issues, err := p.pending(ctx, sessionID, domain.StageScored)
	if err != nil {
		return StepResult{Name: "Resolve", Err: err}
	}
	if len(issues) == 0 {
		return StepResult{Name: "Resolve", Summary: "No issues awaiting conflict resolution"}
	}

	candidates := make([]conflict.Candidate, 0, len(issues))
	for _, issue := range issues {
		score, err := p.db.LatestScore(ctx, issue.ID)
		if err != nil {
			return StepResult{Name: "Resolve", Err: fmt.Errorf("loading score for %s: %w", issue.ID, err)}
		}
		candidates = append(candidates, conflict.Candidate{Issue: issue, Score: *score})
	}

	resolutions, _, err := p.resolver.Resolve(ctx, sessionID, p.resolver.Candidates(candidates))
	if err != nil {
		// Nothing is persisted for an interrupted pass; it reruns in full.
		return StepResult{Name: "Resolve", Err: err}
	}

	// A finished pass is committed even if a pause lands while saving.
	persist := context.WithoutCancel(ctx)
	existing, err := p.db.ResolutionsForSession(persist, sessionID)
	if err != nil {
		return StepResult{Name: "Resolve", Err: err}
	}
	saved := make(map[string]bool, len(existing))
	for _, e := range existing {
		saved[e.ConflictID] = true
	}

	escalated := 0
	for _, res := range resolutions {
		if saved[res.ConflictID] {
			continue
		}
		if err := p.db.SaveResolution(persist, res); err != nil {
			return StepResult{Name: "Resolve", Err: fmt.Errorf("saving resolution: %w", err)}
		}
		r.ConflictsResolved++
		if res.Strategy == domain.StrategyEscalate {
			escalated++
			detail := res.Rationale
			if timeout := conflict.TimeoutOf(res, p.resolver.Budget()); timeout != nil {
				detail = Classify(timeout) + ": " + timeout.Error()
			}
			if err := p.sessions.RecordEvent(persist, sessionID, domain.AuditEntry{
				Event:  domain.EventEscalation,
				Actor:  "pipeline",
				Stage:  "resolve",
				Detail: detail,
			}); err != nil {
				log.Printf("Recording escalation for session %s: %v", sessionID, err)
			}
		}
	}
	r.Escalations += escalated

	for _, issue := range issues {
		if err := p.sessions.RecordProgress(persist, sessionID, issue.ID, domain.StageResolved); err != nil {
			return StepResult{Name: "Resolve", Err: err}
		}
	}
	return StepResult{
		Name:    "Resolve",
		Summary: fmt.Sprintf("Resolved %d conflicts among %d issues (%d escalated)", len(resolutions), len(issues), escalated),
	}
}

func (p *Pipeline) routeStage(ctx context.Context, sessionID string, r *Result) StepResult {
	log.Println("Step 4/4: Routing decisions...")
	issues, err := p.pending(ctx, sessionID, domain.StageResolved)
	if err != nil {
		return StepResult{Name: "Route", Err: err}
	}
	resolutions, err := p.db.ResolutionsForSession(ctx, sessionID)
	if err != nil {
		return StepResult{Name: "Route", Err: err}
	}

	routed, failed := 0, 0
	for _, issue := range issues {
		if ctx.Err() != nil {
			break
		}
		score, err := p.db.LatestScore(ctx, issue.ID)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err != nil {
			failed++
			p.recordError(ctx, sessionID, issue.ID, "route", err, true)
			continue
		}
		d, err := p.router.Route(ctx, sessionID, issue, *score, governing(resolutions, issue.ID))
		if err != nil && ctx.Err() != nil {
			// Interrupted by pause or shutdown; the issue stays at resolved.
			break
		}
		if err != nil {
			failed++
			p.recordError(ctx, sessionID, issue.ID, "route", err, true)
			continue
		}
		if err := p.sessions.RecordProgress(context.WithoutCancel(ctx), sessionID, issue.ID, domain.StageRouted); err != nil {
			return StepResult{Name: "Route", Err: err}
		}
		r.Decisions = append(r.Decisions, d)
		routed++
	}
	r.IssuesProcessed += routed
	r.Failures += failed
	return StepResult{
		Name:    "Route",
		Summary: fmt.Sprintf("Routed %d issues, %d failed", routed, failed),
	}
}

// governing picks the resolution that binds an issue's decision: an
// escalation if there is one, otherwise the latest resolution involving it.
func governing(resolutions []domain.Resolution, issueID string) *domain.Resolution {
	var found *domain.Resolution
	for i := range resolutions {
		res := &resolutions[i]
		if !res.Involves(issueID) {
			continue
		}
		if res.Strategy == domain.StrategyEscalate {
			return res
		}
		found = res
	}
	return found
}

func (p *Pipeline) recordError(ctx context.Context, sessionID, issueID, stage string, err error, retry bool) {
	log.Printf("%s failed for issue %s: %v", stage, issueID, err)
	// The stage context may already be cancelled; the audit entry must still land.
	if rerr := p.sessions.RecordError(context.WithoutCancel(ctx), sessionID, issueID, stage, Classify(err), err, retry); rerr != nil {
		log.Printf("Recording error for session %s: %v", sessionID, rerr)
	}
}

func (p *Pipeline) recordIntakeError(sessionID string, err error) {
	var ie *intake.IngestError
	issueRef := ""
	if errors.As(err, &ie) {
		issueRef = ie.Title
	}
	log.Printf("Intake rejected %q: %v", issueRef, err)
	if rerr := p.sessions.RecordError(context.Background(), sessionID, "", "ingest", Classify(err), err, false); rerr != nil {
		log.Printf("Recording error for session %s: %v", sessionID, rerr)
	}
}

// Pause pauses a session, waiting for in-flight work in this process.
func (p *Pipeline) Pause(ctx context.Context, sessionID string) (*domain.Session, error) {
	return p.sessions.Pause(ctx, sessionID, p.actor)
}

// Resume reactivates a paused session and processes it from its checkpoint.
// Pending work is read from the recorded stage progress, so a resume in a
// fresh process picks up everything the pause left behind.
func (p *Pipeline) Resume(ctx context.Context, sessionID string) (*Result, error) {
	cp, err := p.sessions.Resume(ctx, sessionID, p.actor)
	if err != nil {
		return nil, err
	}
	unrouted := 0
	for _, stage := range cp {
		if stage < domain.StageRouted {
			unrouted++
		}
	}
	log.Printf("Session %s resumed with %d issues still to route", sessionID, unrouted)
	return p.Process(ctx, sessionID), nil
}

// Archive retires a resolved session.
func (p *Pipeline) Archive(ctx context.Context, sessionID string) error {
	return p.sessions.Archive(ctx, sessionID, p.actor)
}

// Watch keeps a session open: sources are polled every interval and queued
// issues are processed as they arrive. It returns nil when ctx is done or the
// session is paused, and an error if the session cannot be processed.
func (p *Pipeline) Watch(ctx context.Context, sessionID string, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	q := p.intake.Queues().For(sessionID)

	g.Go(func() error {
		err := p.monitor.Run(gctx, sessionID, interval)
		if errors.Is(err, domain.ErrSessionNotActive) {
			log.Printf("Watch stopped: %v", err)
			return errWatchStopped
		}
		return err
	})
	g.Go(func() error {
		for {
			if _, err := q.Pop(gctx); err != nil {
				return nil
			}
			r := p.process(gctx, sessionID, false)
			if len(r.Steps) == 1 && r.Steps[0].Err != nil {
				var se *session.StateError
				if errors.As(r.Steps[0].Err, &se) {
					log.Printf("Watch stopped: %v", se)
					return errWatchStopped
				}
				return r.Steps[0].Err
			}
			for _, s := range r.Steps {
				if s.Err != nil {
					log.Printf("%s: %s: %v", s.Name, Classify(s.Err), s.Err)
				}
			}
			if r.Paused {
				return errWatchStopped
			}
			if len(r.Decisions) > 0 {
				log.Printf("Cycle routed %d issues in %s", len(r.Decisions), r.CycleTime.Round(time.Millisecond))
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errWatchStopped) {
		return err
	}
	return nil
}

var errWatchStopped = errors.New("session paused")

// RecordOutcome closes the loop on a decision by appending a memory record
// carrying the observed outcome total.
func (p *Pipeline) RecordOutcome(ctx context.Context, decisionID string, total int, note string) (domain.MemoryRecord, error) {
	store := p.db.Memory()
	prev, err := store.ForDecision(ctx, decisionID)
	if err != nil {
		return domain.MemoryRecord{}, fmt.Errorf("decision %s: %w", decisionID, err)
	}
	return memory.RecordOutcome(ctx, store, *prev, total, note)
}
