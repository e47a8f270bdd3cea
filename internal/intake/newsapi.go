package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const newsAPIBaseURL = "https://newsapi.org/v2/everything"

// NewsAPISource searches NewsAPI for the monitored keywords.
type NewsAPISource struct {
	apiKey   string
	baseURL  string
	keywords []string
	lookback time.Duration
	client   *http.Client
}

// NewNewsAPISource creates a source reading its key from apiKeyEnv.
func NewNewsAPISource(apiKeyEnv string, keywords []string, lookback time.Duration) *NewsAPISource {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &NewsAPISource{
		apiKey:   os.Getenv(apiKeyEnv),
		baseURL:  newsAPIBaseURL,
		keywords: keywords,
		lookback: lookback,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *NewsAPISource) Name() string { return "newsapi" }

// IsConfigured returns whether the API key is available.
func (s *NewsAPISource) IsConfigured() bool {
	return s.apiKey != ""
}

// Poll runs one search per keyword and de-duplicates by URL.
func (s *NewsAPISource) Poll(ctx context.Context) ([]RawIssue, error) {
	if !s.IsConfigured() {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var all []RawIssue
	for _, kw := range s.keywords {
		found, err := s.search(ctx, fmt.Sprintf("%q", kw))
		if err != nil {
			return all, fmt.Errorf("newsapi %q: %w", kw, err)
		}
		for _, r := range found {
			if _, ok := seen[r.URL]; ok {
				continue
			}
			seen[r.URL] = struct{}{}
			all = append(all, r)
		}
	}
	return all, nil
}

func (s *NewsAPISource) search(ctx context.Context, query string) ([]RawIssue, error) {
	params := url.Values{
		"q":        {query},
		"from":     {time.Now().Add(-s.lookback).Format("2006-01-02")},
		"language": {"en"},
		"pageSize": {"50"},
		"sortBy":   {"publishedAt"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var result struct {
		Status   string `json:"status"`
		Articles []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
			Content     string `json:"content"`
			Description string `json:"description"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("status %s", result.Status)
	}

	var out []RawIssue
	for _, a := range result.Articles {
		if a.URL == "" || a.Title == "" || a.Title == "[Removed]" {
			continue
		}
		observed, _ := time.Parse(time.RFC3339, a.PublishedAt)
		content := strings.TrimSpace(a.Content)
		if content == "" {
			content = strings.TrimSpace(a.Description)
		}
		source := "NewsAPI"
		if a.Source.Name != "" {
			source = a.Source.Name
		}
		out = append(out, RawIssue{
			Title:      strings.TrimSpace(a.Title),
			Content:    content,
			Source:     source,
			URL:        a.URL,
			ObservedAt: observed,
		})
	}
	return out, nil
}
