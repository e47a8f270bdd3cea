package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dal428/rapid-response-agent-system/internal/compose"
	"github.com/dal428/rapid-response-agent-system/internal/config"
	"github.com/dal428/rapid-response-agent-system/internal/database"
	"github.com/dal428/rapid-response-agent-system/internal/domain"
	"github.com/dal428/rapid-response-agent-system/internal/intake"
	"github.com/dal428/rapid-response-agent-system/internal/pipeline"
	"github.com/dal428/rapid-response-agent-system/internal/server"
)

var version = "dev"

var cfg *config.Config

func main() {
	// A missing .env file is fine; API keys may come from the environment.
	_ = godotenv.Load()
	cobra.OnInitialize(initViper)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("RAPIDRESPONSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

var rootCmd = &cobra.Command{
	Use:     "rapidresponse",
	Short:   "Rapid response triage for mission-driven organizations",
	Long:    "rapidresponse scores incoming issues against your manifesto, resolves competing responses and routes each issue to the right authority.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(viper.GetString("config"))
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Logging.Level == "debug" {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		if actor := viper.GetString("actor"); actor != "" {
			cfg.Session.Actor = actor
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().String("actor", "", "Actor recorded in the audit trail (overrides session.actor)")
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(outcomeCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rapidresponse", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/rapidresponse/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set your organization, manifesto, sources and oracle.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		if viper.GetBool("json") {
			return printJSON(stats)
		}

		fmt.Printf("Organization: %s\n", cfg.Organization)
		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Sessions:")
		fmt.Printf("  Total: %d (%d active, %d paused, %d resolved, %d archived)\n",
			stats.Sessions, stats.ActiveSessions, stats.PausedSessions, stats.ResolvedSessions, stats.ArchivedSessions)
		fmt.Println("\nPipeline:")
		fmt.Printf("  Issues: %d\n", stats.Issues)
		fmt.Printf("  Scores: %d\n", stats.Scores)
		fmt.Printf("  Conflicts resolved: %d (%d escalated)\n", stats.Resolutions, stats.Escalations)
		fmt.Printf("  Decisions: %d (%d for human review)\n", stats.Decisions, stats.HumanReviews)
		fmt.Println("\nInstitutional memory:")
		fmt.Printf("  Records: %d\n", stats.MemoryRecords)
		fmt.Printf("  Observed outcomes: %d\n", stats.Outcomes)
		return nil
	},
}

// --- run command ---

var issueFiles []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a session: ingest -> score -> resolve conflicts -> route",
	Long:  "Start a session, poll every configured source once and process what arrived. Ctrl+C pauses the session at a checkpoint; continue it with 'rapidresponse resume'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := newPipeline(db)
		ctx := context.Background()
		s, err := pipe.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s started.\n", s.ID)

		stop := pauseOnInterrupt(pipe, s.ID)
		result := pipe.RunSession(ctx, s.ID)
		stop()

		printResult(result)
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&issueFiles, "issues", nil, "YAML file(s) of issues to ingest alongside configured sources")
}

// --- watch command ---

var (
	watchSession  string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep a session open, polling sources and processing issues as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := newPipeline(db)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		sid := watchSession
		if sid == "" {
			s, err := pipe.Start(ctx)
			if err != nil {
				return err
			}
			sid = s.ID
		}
		interval := watchInterval
		if interval <= 0 {
			interval = cfg.Intake.PollInterval
		}
		fmt.Printf("Watching session %s every %s. Press Ctrl+C to stop.\n", sid, interval)

		if err := pipe.Watch(ctx, sid, interval); err != nil {
			return err
		}
		// Leave the session resumable rather than ACTIVE with nobody watching.
		if s, err := pipe.Pause(context.Background(), sid); err == nil {
			fmt.Printf("Session %s is %s. Resume with: rapidresponse resume %s\n", sid, s.State, sid)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Existing ACTIVE session to watch")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Polling interval (default intake.poll_interval)")
}

// --- lifecycle commands ---

var pauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Pause an ACTIVE session at a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := newPipeline(db).Pause(cmd.Context(), args[0])
		if err != nil {
			return describe(err)
		}
		fmt.Printf("Session %s paused with %d issues checkpointed.\n", s.ID, len(s.Checkpoint))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Resume a PAUSED session from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := newPipeline(db)
		stop := pauseOnInterrupt(pipe, args[0])
		result, err := pipe.Resume(context.Background(), args[0])
		stop()
		if err != nil {
			return describe(err)
		}
		printResult(result)
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive [session-id]",
	Short: "Archive a RESOLVED session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := newPipeline(db).Archive(cmd.Context(), args[0]); err != nil {
			return describe(err)
		}
		fmt.Printf("Session %s archived.\n", args[0])
		return nil
	},
}

// --- inspection commands ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions yet. Start one with: rapidresponse run")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "Organization", "State", "Issues", "Routed", "Updated"})
		for _, s := range sessions {
			routed := 0
			for _, stage := range s.Progress {
				if stage == domain.StageRouted {
					routed++
				}
			}
			tw.AppendRow(table.Row{s.ID, s.Organization, s.State, len(s.IssueIDs), routed, s.UpdatedAt.Local().Format("2006-01-02 15:04")})
		}
		tw.Render()
		return nil
	},
}

var (
	showReport bool
	reportOut  string
)

var sessionCmd = &cobra.Command{
	Use:   "session [session-id]",
	Short: "Show a session's progress and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		if showReport || reportOut != "" {
			pipe := newPipeline(db)
			b, err := compose.NewComposer(db, pipe.Provider()).ComposeBriefing(ctx, args[0])
			if err != nil {
				return describe(err)
			}
			if reportOut != "" {
				if err := os.WriteFile(reportOut, []byte(b.Markdown()), 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
				fmt.Printf("Report written to %s\n", reportOut)
				return nil
			}
			fmt.Print(b.Markdown())
			return nil
		}

		s, err := db.GetSession(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		if viper.GetBool("json") {
			return printJSON(s)
		}

		fmt.Printf("Session %s (%s)\n", s.ID, s.State)
		fmt.Printf("Organization: %s\n", s.Organization)
		fmt.Printf("Started: %s\n\n", s.CreatedAt.Local().Format(time.RFC1123))

		issues, err := db.SessionIssues(ctx, s.ID)
		if err != nil {
			return err
		}
		retry := make(map[string]bool, len(s.RetryPending))
		for _, id := range s.RetryPending {
			retry[id] = true
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Issue", "Urgency", "Stage", "Retry"})
		for _, i := range issues {
			tw.AppendRow(table.Row{truncate(i.Summary(), 60), i.Urgency, s.Progress[i.ID], retry[i.ID]})
		}
		tw.Render()

		fmt.Println("\nAudit trail:")
		at := table.NewWriter()
		at.SetOutputMirror(os.Stdout)
		at.AppendHeader(table.Row{"#", "At", "Event", "Actor", "Detail"})
		for _, e := range s.Audit {
			detail := e.Detail
			if e.To != "" {
				detail = fmt.Sprintf("%s -> %s %s", orDash(string(e.From)), e.To, detail)
			}
			at.AppendRow(table.Row{e.Seq, e.At.Local().Format("15:04:05"), e.Event, e.Actor, truncate(detail, 70)})
		}
		at.Render()
		return nil
	},
}

func init() {
	sessionCmd.Flags().BoolVar(&showReport, "report", false, "Print the markdown briefing instead")
	sessionCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Write the markdown briefing to a file")
}

var (
	decisionsSession string
	decisionsLimit   int
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List routed decisions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		decisions, err := db.ListDecisions(cmd.Context(), decisionsSession, decisionsLimit)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(decisions)
		}
		if len(decisions) == 0 {
			fmt.Println("No decisions recorded.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"ID", "Priority", "Routing", "MAI", "Authority", "Timeline", "Decided"})
		for _, d := range decisions {
			tw.AppendRow(table.Row{d.ID, d.Priority, d.Routing, fmt.Sprintf("%d/%d", d.ScoreTotal, domain.MaxTotal), d.Authority, d.Timeline, d.DecidedAt.Local().Format("2006-01-02 15:04")})
		}
		tw.Render()
		return nil
	},
}

func init() {
	decisionsCmd.Flags().StringVar(&decisionsSession, "session", "", "Only decisions from this session")
	decisionsCmd.Flags().IntVarP(&decisionsLimit, "limit", "n", 20, "Maximum decisions to list (0 for all)")
}

var outcomeNote string

var outcomeCmd = &cobra.Command{
	Use:   "outcome [decision-id] [total]",
	Short: "Record the observed outcome of a decision in institutional memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		total, err := strconv.Atoi(args[1])
		if err != nil || total < 0 || total > domain.MaxTotal {
			return fmt.Errorf("total must be an integer within 0..%d", domain.MaxTotal)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rec, err := newPipeline(db).RecordOutcome(cmd.Context(), args[0], total, outcomeNote)
		if err != nil {
			return describe(err)
		}
		fmt.Printf("Recorded outcome %d/%d for %q (decision-time total %d).\n", total, domain.MaxTotal, rec.Summary, rec.Total)
		return nil
	},
}

func init() {
	outcomeCmd.Flags().StringVar(&outcomeNote, "note", "", "What actually happened")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server and JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, db, newPipeline(db), port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- helpers ---

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath())
}

func newPipeline(db *database.DB) *pipeline.Pipeline {
	sources := pipeline.BuildSources(cfg)
	for _, path := range issueFiles {
		sources = append(sources, intake.NewFileSource(path))
	}
	return pipeline.New(cfg, db, pipeline.Options{Sources: sources})
}

// pauseOnInterrupt pauses the session on the first Ctrl+C. The returned
// function stops listening.
func pauseOnInterrupt(pipe *pipeline.Pipeline, sessionID string) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			fmt.Println("\nPausing session...")
			if _, err := pipe.Pause(context.Background(), sessionID); err != nil {
				log.Printf("Pause failed: %v", err)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func printResult(result *pipeline.Result) {
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %s: %v\n", pipeline.Classify(step.Err), step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}

	if len(result.Decisions) > 0 {
		fmt.Println()
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Priority", "Routing", "MAI", "Authority", "Timeline"})
		for _, d := range result.Decisions {
			tw.AppendRow(table.Row{d.Priority, d.Routing, d.ScoreTotal, d.Authority, d.Timeline})
		}
		tw.Render()
	}

	fmt.Printf("\nCycle time: %s. %d conflicts resolved, %d escalated, %d failures.\n",
		result.CycleTime.Round(time.Millisecond), result.ConflictsResolved, result.Escalations, result.Failures)
	switch {
	case result.Paused:
		fmt.Printf("Session paused. Resume with: rapidresponse resume %s\n", result.SessionID)
	case result.Completed:
		fmt.Printf("Session resolved. Review with: rapidresponse session %s --report\n", result.SessionID)
	default:
		fmt.Printf("Session %s still has issues in flight.\n", result.SessionID)
	}
}

// describe prefixes err with its error class.
func describe(err error) error {
	return fmt.Errorf("%s: %w", pipeline.Classify(err), err)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
