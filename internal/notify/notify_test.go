package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

func testDecision() (domain.Decision, domain.Issue) {
	d := domain.Decision{
		ID:          "dec-12345678",
		Priority:    domain.P0,
		Routing:     domain.RoutingHumanReview,
		HumanReview: true,
		Authority:   "Executive Director",
		Timeline:    "within 15 minutes",
		ScoreTotal:  40,
	}
	issue := domain.Issue{Title: "Water contamination near school", URL: "https://example.com/water"}
	return d, issue
}

func TestWebhookNotifier(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, HTTP: srv.Client()}
	d, issue := testDecision()
	if err := n.Notify(context.Background(), d, issue); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for _, want := range []string{"P0 TIER_2_HUMAN_REVIEW: Water contamination near school", "Executive Director", "40/45", "Human review required", "https://example.com/water"} {
		if !strings.Contains(body, want) {
			t.Errorf("payload missing %q: %s", want, body)
		}
	}
}

func TestWebhookNotifierErrors(t *testing.T) {
	d, issue := testDecision()
	if err := (&WebhookNotifier{}).Notify(context.Background(), d, issue); err == nil {
		t.Error("expected missing url error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := (&WebhookNotifier{URL: srv.URL, HTTP: srv.Client()}).Notify(context.Background(), d, issue)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestNewWebhookNotifierUnset(t *testing.T) {
	t.Setenv("RR_TEST_WEBHOOK", "")
	if n := NewWebhookNotifier("RR_TEST_WEBHOOK", 0); n != nil {
		t.Errorf("expected nil notifier without url, got %+v", n)
	}
	t.Setenv("RR_TEST_WEBHOOK", "https://hooks.example.com/x")
	if n := NewWebhookNotifier("RR_TEST_WEBHOOK", 0); n == nil || n.URL != "https://hooks.example.com/x" {
		t.Errorf("unexpected notifier %+v", n)
	}
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, domain.Decision, domain.Issue) error {
	f.calls++
	return errors.New("down")
}

func TestMultiNotifiesAll(t *testing.T) {
	a, b := &failing{}, &failing{}
	d, issue := testDecision()
	if err := (Multi{a, LogNotifier{}, b}).Notify(context.Background(), d, issue); err == nil {
		t.Error("expected first error")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}
