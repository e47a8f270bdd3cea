package intake

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dal428/rapid-response-agent-system/internal/domain"
)

// Source delivers raw issues.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]RawIssue, error)
}

// PollResult holds the results of one polling pass.
type PollResult struct {
	Found    int
	Ingested int
	Rejected int
	Sources  map[string]int
	// Err is set when the session stopped accepting issues mid-pass.
	Err error
}

// Monitor polls sources and feeds a session's queue.
type Monitor struct {
	intake  *Intake
	sources []Source

	// OnError receives every rejected issue and source failure. Defaults to logging.
	OnError func(sessionID string, err error)
	// OnIngest is called for each newly queued issue.
	OnIngest func(sessionID string, issue domain.Issue)
}

// NewMonitor creates a monitor over the given sources.
func NewMonitor(in *Intake, sources ...Source) *Monitor {
	return &Monitor{intake: in, sources: sources}
}

// Sources returns the configured sources.
func (m *Monitor) Sources() []Source {
	return m.sources
}

// PollOnce polls every source once and ingests what they return. The pass
// stops early once the session is no longer ACTIVE.
func (m *Monitor) PollOnce(ctx context.Context, sessionID string) *PollResult {
	r := &PollResult{Sources: make(map[string]int)}
	for _, src := range m.sources {
		if ctx.Err() != nil || r.Err != nil {
			break
		}
		raws, err := src.Poll(ctx)
		if err != nil {
			m.reportError(sessionID, err)
			continue
		}
		r.Found += len(raws)
		for _, raw := range raws {
			issue, queued, err := m.intake.ingest(ctx, sessionID, raw)
			if errors.Is(err, domain.ErrSessionNotActive) {
				r.Err = err
				break
			}
			if err != nil {
				r.Rejected++
				m.reportError(sessionID, err)
				continue
			}
			if queued {
				r.Ingested++
				r.Sources[src.Name()]++
				if m.OnIngest != nil {
					m.OnIngest(sessionID, issue)
				}
			}
		}
	}
	log.Printf("Poll complete: %d found, %d queued, %d rejected", r.Found, r.Ingested, r.Rejected)
	return r
}

// Run polls on every interval tick until ctx is done. It returns the error
// wrapping domain.ErrSessionNotActive once the session stops accepting issues.
func (m *Monitor) Run(ctx context.Context, sessionID string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if r := m.PollOnce(ctx, sessionID); r.Err != nil {
		return r.Err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r := m.PollOnce(ctx, sessionID); r.Err != nil {
				return r.Err
			}
		}
	}
}

func (m *Monitor) reportError(sessionID string, err error) {
	if m.OnError != nil {
		m.OnError(sessionID, err)
		return
	}
	log.Printf("Intake error in session %s: %v", sessionID, err)
}
