// Package domain holds the entities that flow through the response pipeline.
package domain

import (
	"strings"
	"time"
)

// Urgency is the intake urgency tier of an issue.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Rank orders urgency tiers; unknown values rank below low.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyHigh:
		return 3
	}
	return 0
}

// ParseUrgency normalizes a tier name. The second result is false for unknown names.
func ParseUrgency(s string) (Urgency, bool) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if u.Rank() == 0 {
		return "", false
	}
	return u, true
}

// MaxUrgency returns the higher of two tiers.
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// TimeWindow is a proposed response window.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlap returns how long two windows overlap, or zero.
func (w TimeWindow) Overlap(o TimeWindow) time.Duration {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Shift moves the window by d, keeping its length.
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(d), End: w.End.Add(d)}
}

// Issue is a normalized candidate for a rapid response.
type Issue struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	Source          string     `json:"source"`
	URL             string     `json:"url,omitempty"`
	ObservedAt      time.Time  `json:"observed_at"`
	Urgency         Urgency    `json:"urgency"`
	MatchedKeywords []string   `json:"matched_keywords,omitempty"`
	Channels        []string   `json:"channels"`
	Audiences       []string   `json:"audiences,omitempty"`
	Window          TimeWindow `json:"window"`
	Category        string     `json:"category"`
	Fingerprint     string     `json:"fingerprint"`
}

// Text returns the title and content used for keyword matching.
func (i Issue) Text() string {
	if i.Title == "" {
		return i.Content
	}
	return i.Title + " " + i.Content
}

// Summary returns a short one-line description of the issue.
func (i Issue) Summary() string {
	s := i.Title
	if s == "" {
		s = i.Content
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// SharesChannel returns the first channel both issues propose, in i's order.
func (i Issue) SharesChannel(o Issue) (string, bool) {
	for _, c := range i.Channels {
		for _, oc := range o.Channels {
			if c == oc {
				return c, true
			}
		}
	}
	return "", false
}

// SharesAudience reports whether the issues target any common audience.
func (i Issue) SharesAudience(o Issue) bool {
	for _, a := range i.Audiences {
		for _, oa := range o.Audiences {
			if a == oa {
				return true
			}
		}
	}
	return false
}

// Manifesto is the organization's structured statement of values.
type Manifesto struct {
	Organization        string   `json:"organization"`
	CorePrinciples      []string `json:"core_principles"`
	StrategicPriorities []string `json:"strategic_priorities"`
}
