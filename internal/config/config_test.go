package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

func TestParseDefaultConfig(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("failed to parse default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated")
	}
	if cfg.Oracle.Provider != "ollama" {
		t.Errorf("expected provider 'ollama', got %q", cfg.Oracle.Provider)
	}
	if cfg.Conflict.Budget != 4*time.Minute {
		t.Errorf("expected 4m budget, got %s", cfg.Conflict.Budget)
	}
	if cfg.Conflict.MaxDelay.High != 30*time.Minute {
		t.Errorf("expected 30m high max delay, got %s", cfg.Conflict.MaxDelay.High)
	}
	if len(cfg.Conflict.Schedule) != 1 || cfg.Conflict.Schedule[0].Offset != 2*time.Hour {
		t.Errorf("unexpected schedule %+v", cfg.Conflict.Schedule)
	}
	if cfg.Routing.Authorities["P0"].Standard != "Executive Director" {
		t.Errorf("unexpected routing authorities %+v", cfg.Routing.Authorities)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Server.Port)
	}
}

func TestParseMinimalConfig(t *testing.T) {
	data := []byte(`
organization: Clean Water Alliance
oracle:
  provider: openai
  model: gpt-4o
server:
  port: 9000
`)
	cfg, err := parse(data)
	if err != nil {
		t.Fatalf("failed to parse minimal config: %v", err)
	}

	if cfg.Oracle.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", cfg.Oracle.Provider)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	// Defaults should still be set for unspecified fields
	if cfg.Oracle.OllamaURL != "http://localhost:11434" {
		t.Errorf("expected default ollama_url, got %q", cfg.Oracle.OllamaURL)
	}
	if cfg.Intake.ResponseWindow != 2*time.Hour || cfg.Scoring.PrecedentWeight != 0.5 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Intake, cfg.Scoring)
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := parse(DefaultConfigYAML)
	cfg.Organization = ""
	cfg.Routing.MonitoringThreshold = 40
	delete(cfg.Routing.Authorities, "P2")
	cfg.Scoring.PrecedentWeight = 2
	cfg.Conflict.Schedule = append(cfg.Conflict.Schedule, Commitment{Name: "Gala", Channels: []string{"email"}, Duration: time.Hour, Priority: "urgent"})
	cfg.Oracle.Provider = "claude"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"organization", "thresholds", "routing.authorities.P2", "precedent_weight", `unknown priority "urgent"`, "oracle.provider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML, 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if len(cfg.Sources.Feeds) == 0 {
		t.Error("expected feeds to be populated from file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("organization: \"\"\n"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("expected invalid config to be rejected")
	}
}

func TestCommitmentWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := Commitment{Offset: 2 * time.Hour, Duration: time.Hour}
	w := c.Window(now)
	if !w.Start.Equal(now.Add(2*time.Hour)) || w.Duration() != time.Hour {
		t.Errorf("relative window = %+v", w)
	}
	c.Start = now.Add(-time.Hour)
	if w := c.Window(now); !w.Start.Equal(c.Start) {
		t.Errorf("absolute window = %+v", w)
	}
}

func TestUrgencyTiers(t *testing.T) {
	cfg := &Config{}
	if cfg.UrgencyTiers() != nil {
		t.Error("expected nil tiers when none configured")
	}
	cfg.UrgencyKeywords.High = []string{"flood"}
	if got := cfg.UrgencyTiers()[domain.UrgencyHigh]; len(got) != 1 {
		t.Errorf("high tier = %v", got)
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	defaultDir := cfg.GetDataDir()
	if defaultDir == "" {
		t.Error("expected non-empty default data dir")
	}

	cfg.Output.DataDir = "/custom/path"
	if cfg.GetDataDir() != "/custom/path" {
		t.Errorf("expected '/custom/path', got %q", cfg.GetDataDir())
	}
	if cfg.DBPath() != filepath.Join("/custom/path", "rapidresponse.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath())
	}
}
