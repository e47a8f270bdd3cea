package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Organization    string          `yaml:"organization"`
	Manifesto       Manifesto       `yaml:"manifesto"`
	UrgencyKeywords UrgencyKeywords `yaml:"urgency_keywords"`
	Intake          Intake          `yaml:"intake"`
	Sources         Sources         `yaml:"sources"`
	Oracle          Oracle          `yaml:"oracle"`
	Scoring         Scoring         `yaml:"scoring"`
	Conflict        Conflict        `yaml:"conflict"`
	Routing         Routing         `yaml:"routing"`
	Notifier        Notifier        `yaml:"notifier"`
	Session         Session         `yaml:"session"`
	Output          Output          `yaml:"output"`
	Server          Server          `yaml:"server"`
	Logging         Logging         `yaml:"logging"`
}

type Manifesto struct {
	CorePrinciples      []string `yaml:"core_principles"`
	StrategicPriorities []string `yaml:"strategic_priorities"`
}

type UrgencyKeywords struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

type Intake struct {
	DefaultChannels  []string      `yaml:"default_channels"`
	DefaultAudiences []string      `yaml:"default_audiences"`
	ResponseWindow   time.Duration `yaml:"response_window"`
	QueueWarnLength  int           `yaml:"queue_warn_length"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

type Sources struct {
	Feeds        []Feed        `yaml:"feeds"`
	Files        []string      `yaml:"files"`
	NewsAPI      NewsAPI       `yaml:"newsapi"`
	FetchContent bool          `yaml:"fetch_content"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type Feed struct {
	URL       string   `yaml:"url"`
	Name      string   `yaml:"name"`
	Channels  []string `yaml:"channels"`
	Audiences []string `yaml:"audiences"`
}

type NewsAPI struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Keywords  []string      `yaml:"keywords"`
	Lookback  time.Duration `yaml:"lookback"`
}

type Oracle struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	OllamaURL   string        `yaml:"ollama_url"`
	OpenAIModel string        `yaml:"openai_model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Scoring struct {
	PrecedentTolerance int     `yaml:"precedent_tolerance"`
	PrecedentWeight    float64 `yaml:"precedent_weight"`
	Concurrency        int     `yaml:"concurrency"`
}

type Conflict struct {
	MinOverlap        time.Duration       `yaml:"min_overlap"`
	Budget            time.Duration       `yaml:"budget"`
	Bucket            time.Duration       `yaml:"bucket"`
	MaxDelay          MaxDelay            `yaml:"max_delay"`
	AlternateChannels []string            `yaml:"alternate_channels"`
	Authorities       SeverityAuthorities `yaml:"authorities"`
	Schedule          []Commitment        `yaml:"schedule"`
}

type MaxDelay struct {
	Low    time.Duration `yaml:"low"`
	Medium time.Duration `yaml:"medium"`
	High   time.Duration `yaml:"high"`
}

type SeverityAuthorities struct {
	Low      string `yaml:"low"`
	Moderate string `yaml:"moderate"`
	High     string `yaml:"high"`
	Critical string `yaml:"critical"`
}

// Commitment is scheduled content. It starts at Start when set, otherwise
// Offset after the cycle begins.
type Commitment struct {
	Name      string        `yaml:"name"`
	Channels  []string      `yaml:"channels"`
	Audiences []string      `yaml:"audiences"`
	Start     time.Time     `yaml:"start"`
	Offset    time.Duration `yaml:"offset"`
	Duration  time.Duration `yaml:"duration"`
	Priority  string        `yaml:"priority"`
}

// Window returns the commitment's window for a cycle starting at now.
func (c Commitment) Window(now time.Time) domain.TimeWindow {
	start := c.Start
	if start.IsZero() {
		start = now.Add(c.Offset)
	}
	return domain.TimeWindow{Start: start, End: start.Add(c.Duration)}
}

type Routing struct {
	HumanReviewThreshold int                  `yaml:"human_review_threshold"`
	MonitoringThreshold  int                  `yaml:"monitoring_threshold"`
	Authorities          map[string]Authority `yaml:"authorities"`
}

type Authority struct {
	Standard string `yaml:"standard"`
	Conflict string `yaml:"conflict"`
}

type Notifier struct {
	WebhookURLEnv string        `yaml:"webhook_url_env"`
	Timeout       time.Duration `yaml:"timeout"`
}

type Session struct {
	Actor       string `yaml:"actor"`
	AutoArchive bool   `yaml:"auto_archive"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for rapidresponse.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "rapidresponse")
}

// DataDir returns the XDG data directory for rapidresponse.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "rapidresponse")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/rapidresponse/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'rapidresponse init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Intake: Intake{
			DefaultChannels: []string{"email"},
			ResponseWindow:  2 * time.Hour,
			QueueWarnLength: 100,
			PollInterval:    15 * time.Minute,
		},
		Sources: Sources{
			FetchTimeout: 15 * time.Second,
			MaxAge:       48 * time.Hour,
			NewsAPI: NewsAPI{
				APIKeyEnv: "NEWSAPI_KEY",
				Lookback:  24 * time.Hour,
			},
		},
		Oracle: Oracle{
			Provider:    "ollama",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   512,
			Timeout:     10 * time.Second,
		},
		Scoring: Scoring{
			PrecedentTolerance: 2,
			PrecedentWeight:    0.5,
			Concurrency:        4,
		},
		Conflict: Conflict{
			Budget: 4 * time.Minute,
			Bucket: time.Hour,
			MaxDelay: MaxDelay{
				Low:    24 * time.Hour,
				Medium: 6 * time.Hour,
				High:   30 * time.Minute,
			},
			Authorities: SeverityAuthorities{
				Low:      "Communications Coordinator",
				Moderate: "Communications Director",
				High:     "Deputy Director",
				Critical: "Executive Director",
			},
		},
		Routing: Routing{
			HumanReviewThreshold: 30,
			MonitoringThreshold:  15,
			Authorities: map[string]Authority{
				"P0": {Standard: "Executive Director", Conflict: "Executive Director"},
				"P1": {Standard: "Communications Director", Conflict: "Deputy Director"},
				"P2": {Standard: "Communications Manager", Conflict: "Communications Director"},
				"P3": {Standard: "Communications Coordinator", Conflict: "Communications Manager"},
			},
		},
		Notifier: Notifier{
			WebhookURLEnv: "RAPIDRESPONSE_WEBHOOK_URL",
			Timeout:       10 * time.Second,
		},
		Session: Session{Actor: "operator"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

var priorities = []string{"P0", "P1", "P2", "P3"}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Organization) == "" {
		errs = append(errs, errors.New("organization is required"))
	}
	if len(c.Manifesto.CorePrinciples) == 0 && len(c.Manifesto.StrategicPriorities) == 0 {
		errs = append(errs, errors.New("manifesto needs at least one core principle or strategic priority"))
	}

	r := c.Routing
	if r.MonitoringThreshold < 0 || r.HumanReviewThreshold > domain.MaxTotal || r.MonitoringThreshold >= r.HumanReviewThreshold {
		errs = append(errs, fmt.Errorf("routing thresholds must satisfy 0 <= monitoring (%d) < human review (%d) <= %d",
			r.MonitoringThreshold, r.HumanReviewThreshold, domain.MaxTotal))
	}
	for _, p := range priorities {
		a, ok := r.Authorities[p]
		if !ok || a.Standard == "" || a.Conflict == "" {
			errs = append(errs, fmt.Errorf("routing.authorities.%s needs standard and conflict", p))
		}
	}

	s := c.Scoring
	if s.PrecedentWeight <= 0 || s.PrecedentWeight > 1 {
		errs = append(errs, fmt.Errorf("scoring.precedent_weight %.2f outside (0,1]", s.PrecedentWeight))
	}
	if s.PrecedentTolerance < 0 {
		errs = append(errs, errors.New("scoring.precedent_tolerance must not be negative"))
	}

	if c.Conflict.Budget <= 0 {
		errs = append(errs, errors.New("conflict.budget must be positive"))
	}
	a := c.Conflict.Authorities
	if a.Low == "" || a.Moderate == "" || a.High == "" || a.Critical == "" {
		errs = append(errs, errors.New("conflict.authorities needs low, moderate, high and critical"))
	}
	for i, sc := range c.Conflict.Schedule {
		if _, ok := domain.ParseUrgency(sc.Priority); !ok {
			errs = append(errs, fmt.Errorf("conflict.schedule[%d] %q: unknown priority %q", i, sc.Name, sc.Priority))
		}
		if sc.Duration <= 0 || len(sc.Channels) == 0 {
			errs = append(errs, fmt.Errorf("conflict.schedule[%d] %q needs channels and a positive duration", i, sc.Name))
		}
	}

	switch c.Oracle.Provider {
	case "", "none", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider %q is not one of none, ollama, openai", c.Oracle.Provider))
	}
	return errors.Join(errs...)
}

// DomainManifesto returns the manifesto used for scoring.
func (c *Config) DomainManifesto() domain.Manifesto {
	return domain.Manifesto{
		Organization:        c.Organization,
		CorePrinciples:      c.Manifesto.CorePrinciples,
		StrategicPriorities: c.Manifesto.StrategicPriorities,
	}
}

// UrgencyTiers returns the configured urgency keywords, or nil when none are set.
func (c *Config) UrgencyTiers() map[domain.Urgency][]string {
	k := c.UrgencyKeywords
	if len(k.High)+len(k.Medium)+len(k.Low) == 0 {
		return nil
	}
	return map[domain.Urgency][]string{
		domain.UrgencyHigh:   k.High,
		domain.UrgencyMedium: k.Medium,
		domain.UrgencyLow:    k.Low,
	}
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "rapidresponse.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
