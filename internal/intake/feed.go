package intake

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const maxPerFeed = 20

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL       string
	Name      string
	Channels  []string
	Audiences []string
}

// FeedSource polls RSS/Atom feeds.
type FeedSource struct {
	feeds   []FeedConfig
	maxAge  time.Duration
	fetcher *ContentFetcher
	parser  *gofeed.Parser
}

// NewFeedSource creates a feed source. Items older than maxAge are skipped;
// a nil fetcher leaves items without content to be rejected at intake.
func NewFeedSource(feeds []FeedConfig, maxAge time.Duration, fetcher *ContentFetcher) *FeedSource {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &FeedSource{feeds: feeds, maxAge: maxAge, fetcher: fetcher, parser: gofeed.NewParser()}
}

func (fs *FeedSource) Name() string { return "feeds" }

// Poll parses every configured feed. A failing feed is logged and skipped.
func (fs *FeedSource) Poll(ctx context.Context) ([]RawIssue, error) {
	cutoff := time.Now().Add(-fs.maxAge)
	var all []RawIssue

	for _, fc := range fs.feeds {
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}

		feed, err := fs.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			log.Printf("Failed to parse feed %s: %v", fc.URL, err)
			continue
		}

		var n int
		for _, item := range feed.Items {
			if n >= maxPerFeed {
				break
			}
			raw := parseItem(item, name)
			if raw == nil || (!raw.ObservedAt.IsZero() && raw.ObservedAt.Before(cutoff)) {
				continue
			}
			raw.Channels = fc.Channels
			raw.Audiences = fc.Audiences
			if raw.Content == "" && fs.fetcher != nil {
				raw.Content = fs.fetcher.Fetch(ctx, raw.URL)
			}
			all = append(all, *raw)
			n++
		}
		log.Printf("Parsed %d items from %s", n, name)
	}
	return all, nil
}

func parseItem(item *gofeed.Item, source string) *RawIssue {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if itemURL == "" || title == "" {
		return nil
	}

	var observed time.Time
	if item.PublishedParsed != nil {
		observed = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		observed = *item.UpdatedParsed
	}

	var content string
	if item.Content != "" {
		content = stripHTML(item.Content)
	} else if item.Description != "" {
		content = stripHTML(item.Description)
	}

	return &RawIssue{
		Title:      title,
		Content:    content,
		Source:     source,
		URL:        itemURL,
		ObservedAt: observed,
	}
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	s := strings.NewReplacer(
		"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'",
	).Replace(result.String())
	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds.", "news."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
