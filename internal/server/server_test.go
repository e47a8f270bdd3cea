package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dal428/rapid-response-agent-system/internal/config"
	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/intake"
	"github.com/dal428/rapid-response-agent-system/internal/pipeline"
	"github.com/dal428/rapid-response-agent-system/internal/scoring"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fixedOracle struct{ resp scoring.OracleResponse }

func (o fixedOracle) Score(context.Context, scoring.OracleRequest) (scoring.OracleResponse, error) {
	return o.resp, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.Decision, domain.Issue) error { return nil }

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `
organization: Clean Water Alliance
manifesto:
  core_principles: [Clean water for every community]
  strategic_priorities: [Water safety]
oracle:
  provider: none
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	c, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	db := openTestDB(t)
	p := pipeline.New(c, db, pipeline.Options{
		Oracle:   fixedOracle{scoring.OracleResponse{Mission: 14, Impact: 14, Risk: 14}},
		Notifier: nopNotifier{},
		Sources:  []intake.Source{},
	})
	srv, err := New(context.Background(), db, p)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, db
}

type testEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string) (int, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var env testEnvelope
	if strings.HasPrefix(path, "/api") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

func startSession(t *testing.T, srv *Server) string {
	t.Helper()
	code, env := do(t, srv, "POST", "/api/sessions?poll=false", "")
	if code != http.StatusAccepted || !env.OK {
		t.Fatalf("start session: %d %+v", code, env.Error)
	}
	var s domain.Session
	json.Unmarshal(env.Data, &s)
	return s.ID
}

const waterIssue = `{
	"title": "Water contamination near Lincoln Elementary",
	"content": "Water contamination reported near school; children at risk",
	"source": "field-report",
	"observed_at": "2026-03-02T09:00:00Z",
	"urgency": "high"
}`

func TestIndexRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Sessions") {
		t.Error("expected 'Sessions' in response body")
	}
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitAndProcessIssue(t *testing.T) {
	srv, db := newTestServer(t)
	id := startSession(t, srv)

	code, env := do(t, srv, "POST", "/api/sessions/"+id+"/issues?process=true", waterIssue)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %+v", code, env.Error)
	}
	srv.Wait()

	code, env = do(t, srv, "GET", "/api/decisions?session="+id, "")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var decisions []domain.Decision
	json.Unmarshal(env.Data, &decisions)
	if len(decisions) != 1 || decisions[0].Priority != domain.P0 {
		t.Fatalf("expected one P0 decision, got %+v", decisions)
	}

	s, _ := db.GetSession(context.Background(), id)
	if s.State != domain.SessionResolved {
		t.Errorf("expected RESOLVED, got %s", s.State)
	}

	// The session page renders the briefing markdown as HTML.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/sessions/"+id, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<h1>Rapid response briefing: Clean Water Alliance</h1>") {
		t.Errorf("unexpected session page %d:\n%s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRejectsInvalidIssue(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv)

	code, env := do(t, srv, "POST", "/api/sessions/"+id+"/issues", `{"title": "No content", "source": "x", "observed_at": "2026-03-02T09:00:00Z"}`)
	if code != http.StatusBadRequest || env.Error == nil || env.Error.Class != pipeline.ClassIngest {
		t.Errorf("expected 400 IngestError, got %d %+v", code, env.Error)
	}
}

func TestPauseResumeArchive(t *testing.T) {
	srv, db := newTestServer(t)
	id := startSession(t, srv)
	if code, _ := do(t, srv, "POST", "/api/sessions/"+id+"/issues", waterIssue); code != http.StatusCreated {
		t.Fatalf("submit: %d", code)
	}

	code, env := do(t, srv, "POST", "/api/sessions/"+id+"/pause", "")
	if code != http.StatusOK {
		t.Fatalf("pause: %d %+v", code, env.Error)
	}
	var s domain.Session
	json.Unmarshal(env.Data, &s)
	if s.State != domain.SessionPaused || s.Checkpoint[s.IssueIDs[0]] != domain.StageIngested {
		t.Errorf("unexpected paused session %+v", s)
	}

	code, env = do(t, srv, "POST", "/api/sessions/"+id+"/issues", waterIssue)
	if code != http.StatusConflict || env.Error.Class != pipeline.ClassSessionState {
		t.Errorf("expected 409 on paused session, got %d %+v", code, env.Error)
	}

	// Archiving needs RESOLVED.
	code, env = do(t, srv, "POST", "/api/sessions/"+id+"/archive", "")
	if code != http.StatusConflict {
		t.Errorf("expected 409 archiving a paused session, got %d", code)
	}

	if code, _ = do(t, srv, "POST", "/api/sessions/"+id+"/resume", ""); code != http.StatusAccepted {
		t.Fatalf("resume: %d", code)
	}
	srv.Wait()
	got, _ := db.GetSession(context.Background(), id)
	if got.State != domain.SessionResolved {
		t.Fatalf("expected RESOLVED after resume, got %s", got.State)
	}

	code, env = do(t, srv, "POST", "/api/sessions/"+id+"/archive", "")
	if code != http.StatusOK {
		t.Fatalf("archive: %d %+v", code, env.Error)
	}
	json.Unmarshal(env.Data, &s)
	if s.State != domain.SessionArchived {
		t.Errorf("expected ARCHIVED, got %s", s.State)
	}
}

func TestProcessRequiresActiveSession(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv)
	if code, _ := do(t, srv, "POST", "/api/sessions/"+id+"/pause", ""); code != http.StatusOK {
		t.Fatalf("pause: %d", code)
	}

	code, env := do(t, srv, "POST", "/api/sessions/"+id+"/process", "")
	if code != http.StatusConflict || env.Error == nil || env.Error.Class != pipeline.ClassSessionState {
		t.Errorf("expected 409 SessionStateError, got %d %+v", code, env.Error)
	}

	active := startSession(t, srv)
	if code, _ := do(t, srv, "POST", "/api/sessions/"+active+"/process", ""); code != http.StatusAccepted {
		t.Errorf("expected 202 for an ACTIVE session, got %d", code)
	}
	srv.Wait()
}

func TestUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	code, env := do(t, srv, "GET", "/api/sessions/nope", "")
	if code != http.StatusNotFound || env.OK || env.Error.Class != pipeline.ClassNotFound {
		t.Errorf("expected 404 NotFound, got %d %+v", code, env.Error)
	}
}

func TestOutcome(t *testing.T) {
	srv, _ := newTestServer(t)
	id := startSession(t, srv)
	do(t, srv, "POST", "/api/sessions/"+id+"/issues?process=true", waterIssue)
	srv.Wait()

	_, env := do(t, srv, "GET", "/api/decisions?session="+id, "")
	var decisions []domain.Decision
	json.Unmarshal(env.Data, &decisions)
	if len(decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(decisions))
	}
	path := "/api/decisions/" + decisions[0].ID + "/outcome"

	if code, _ := do(t, srv, "POST", path, `{"note": "no total"}`); code != http.StatusBadRequest {
		t.Errorf("expected 400 without total, got %d", code)
	}
	if code, _ := do(t, srv, "POST", path, `{"total": 50}`); code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range total, got %d", code)
	}
	code, env := do(t, srv, "POST", path, `{"total": 30, "note": "contained"}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %+v", code, env.Error)
	}
	var rec domain.MemoryRecord
	json.Unmarshal(env.Data, &rec)
	if rec.Outcome == nil || *rec.Outcome != 30 {
		t.Errorf("unexpected memory record %+v", rec)
	}

	if code, _ := do(t, srv, "POST", "/api/decisions/missing/outcome", `{"total": 10}`); code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown decision, got %d", code)
	}
}
