package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/dal428/rapid-response-agent-system/internal/compose"
	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/intake"
	"github.com/dal428/rapid-response-agent-system/internal/pipeline"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server serves the JSON API and the HTML session views.
type Server struct {
	db       *database.DB
	pipeline *pipeline.Pipeline
	composer *compose.Composer
	pages    map[string]*template.Template
	router   chi.Router

	// ctx bounds background processing started by API calls.
	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a new Server. Background work started by requests runs under ctx.
func New(ctx context.Context, db *database.DB, p *pipeline.Pipeline) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"ago": func(t time.Time) string {
			return t.Format("2006-01-02 15:04 MST")
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "session.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		db:       db,
		pipeline: p,
		composer: compose.NewComposer(db, p.Provider()),
		pages:    pages,
		ctx:      ctx,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until background processing has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/", s.handleIndex)
	r.Get("/sessions/{id}", s.handleSessionPage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/briefing", s.handleBriefing)
			r.Post("/issues", s.handleSubmitIssue)
			r.Post("/process", s.handleProcess)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/archive", s.handleArchive)
		})
		r.Get("/decisions", s.handleListDecisions)
		r.Get("/decisions/{id}", s.handleGetDecision)
		r.Post("/decisions/{id}/outcome", s.handleOutcome)
	})
	return r
}

// background runs fn after the response is written.
func (s *Server) background(name, sessionID string, fn func(ctx context.Context) *pipeline.Result) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r := fn(s.ctx)
		for _, step := range r.Steps {
			if step.Err != nil {
				log.Printf("%s %s: %s failed: %v", name, sessionID, step.Name, step.Err)
			}
		}
		log.Printf("%s %s finished: %d routed, paused=%t, completed=%t", name, sessionID, len(r.Decisions), r.Paused, r.Completed)
	}()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.pipeline.Sessions().List(r.Context())
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	decisions, _ := s.db.ListDecisions(r.Context(), "", 20)
	stats, _ := s.db.GetStats(r.Context())

	s.render(w, "index.html", map[string]any{
		"Sessions":  sessions,
		"Decisions": decisions,
		"Stats":     stats,
	})
}

func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	briefing, err := s.composer.ComposeBriefing(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "session.html", map[string]any{
		"Briefing": briefing,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.pipeline.Sessions().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, sessions)
}

// handleStartSession opens a session and polls the configured sources into
// it in the background.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("poll") != "false" {
		s.background("run", sess.ID, func(ctx context.Context) *pipeline.Result {
			return s.pipeline.RunSession(ctx, sess.ID)
		})
	}
	respond(w, http.StatusAccepted, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Sessions().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	b, err := s.composer.ComposeBriefing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"session_id": b.SessionID,
		"markdown":   b.Markdown(),
	})
}

type issueRequest struct {
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	ObservedAt  time.Time `json:"observed_at"`
	Urgency     string    `json:"urgency"`
	Channels    []string  `json:"channels"`
	Audiences   []string  `json:"audiences"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (req issueRequest) raw() intake.RawIssue {
	raw := intake.RawIssue{
		Title:      req.Title,
		Content:    req.Content,
		Source:     req.Source,
		URL:        req.URL,
		ObservedAt: req.ObservedAt,
		Urgency:    req.Urgency,
		Channels:   req.Channels,
		Audiences:  req.Audiences,
	}
	if !req.WindowStart.IsZero() && !req.WindowEnd.IsZero() {
		raw.Window = &domain.TimeWindow{Start: req.WindowStart, End: req.WindowEnd}
	}
	return raw
}

// handleSubmitIssue ingests one issue into an ACTIVE session. Processing
// starts when process=true is passed.
func (s *Server) handleSubmitIssue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.pipeline.Sessions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.State != domain.SessionActive {
		fail(w, http.StatusConflict, pipeline.ClassSessionState, fmt.Sprintf("session %s is %s", id, sess.State))
		return
	}

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, pipeline.ClassIngest, "invalid JSON: "+err.Error())
		return
	}
	issue, err := s.pipeline.Intake().Ingest(r.Context(), id, req.raw())
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("process") == "true" {
		s.background("process", id, func(ctx context.Context) *pipeline.Result {
			return s.pipeline.Process(ctx, id)
		})
	}
	respond(w, http.StatusCreated, issue)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.pipeline.Sessions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.State != domain.SessionActive {
		fail(w, http.StatusConflict, pipeline.ClassSessionState, fmt.Sprintf("session %s is %s", id, sess.State))
		return
	}
	s.background("process", id, func(ctx context.Context) *pipeline.Result {
		return s.pipeline.Process(ctx, id)
	})
	respond(w, http.StatusAccepted, sess)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

// handleResume reactivates the session right away; reprocessing from the
// checkpoint continues in the background.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.pipeline.Sessions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.State != domain.SessionPaused && sess.State != domain.SessionActive {
		fail(w, http.StatusConflict, pipeline.ClassSessionState, fmt.Sprintf("cannot resume session %s in state %s", id, sess.State))
		return
	}
	s.background("resume", id, func(ctx context.Context) *pipeline.Result {
		r, err := s.pipeline.Resume(ctx, id)
		if err != nil {
			return &pipeline.Result{SessionID: id, Steps: []pipeline.StepResult{{Name: "Resume", Err: err}}}
		}
		return r
	})
	respond(w, http.StatusAccepted, map[string]any{"session_id": id, "checkpoint": sess.Checkpoint})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Archive(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.pipeline.Sessions().Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			limit = n
		}
	}
	decisions, err := s.db.ListDecisions(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if decisions == nil {
		decisions = []domain.Decision{}
	}
	respond(w, http.StatusOK, decisions)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.db.GetDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusOK, d)
}

type outcomeRequest struct {
	Total *int   `json:"total"`
	Note  string `json:"note"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Total == nil {
		fail(w, http.StatusBadRequest, "BadRequest", "body must carry an integer total")
		return
	}
	if *req.Total < 0 || *req.Total > domain.MaxTotal {
		fail(w, http.StatusBadRequest, "BadRequest", fmt.Sprintf("total must be within 0..%d", domain.MaxTotal))
		return
	}
	rec, err := s.pipeline.RecordOutcome(r.Context(), chi.URLParam(r, "id"), *req.Total, strings.TrimSpace(req.Note))
	if err != nil {
		writeError(w, err)
		return
	}
	respond(w, http.StatusCreated, rec)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port and shuts it down when ctx
// is cancelled.
func Serve(ctx context.Context, db *database.DB, p *pipeline.Pipeline, port int) error {
	srv, err := New(ctx, db, p)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://%s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	srv.Wait()
	return err
}
