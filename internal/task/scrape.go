// ABOUTME: scrape_eligibility handler: fetches an operator-configured page and
// ABOUTME: extracts structured criteria from its tables and lists.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// ScrapePayload is the kind-specific payload for scrape_eligibility jobs:
// an operator-configured scholarship page to extract eligibility criteria from.
type ScrapePayload struct {
	URL           string `json:"url"`
	ScholarshipID string `json:"scholarship_id,omitempty"`
}

// ScrapeResult is the structured extraction recorded as the job result.
type ScrapeResult struct {
	Title     string   `json:"title,omitempty"`
	Criteria  []string `json:"criteria"`
	FetchedAt string   `json:"fetched_at"` // RFC3339
}

// scrapeBodyLimit caps how much of a page is read; eligibility pages are
// text, anything larger is garbage.
const scrapeBodyLimit = 2 << 20

// Scraper fetches and parses eligibility pages for scrape_eligibility jobs.
// Inject the safeurl-wrapped client in production so operator-supplied URLs
// cannot reach internal addresses.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewScraper creates a Scraper. requestsPerMinute caps outbound fetches
// across all scrape jobs; zero means no limit.
func NewScraper(client *http.Client, requestsPerMinute int) *Scraper {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return &Scraper{client: client, limiter: limiter}
}

// Handle implements Handler. Failure classification:
//   - unparseable job payload or missing URL → permanent
//   - 404 / 410 → permanent: the page is confirmed removed
//   - network errors, 429, 5xx, unparseable HTML → retryable
//
// Scraping has no external side effect; redelivery just refetches.
func (s *Scraper) Handle(ctx context.Context, j Job) (json.RawMessage, error) {
	var p ScrapePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, job.Permanent(fmt.Errorf("scrape: decode payload: %w", err))
	}
	if p.URL == "" {
		return nil, job.Permanent(fmt.Errorf("scrape: payload missing url"))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, job.Retryable(fmt.Errorf("scrape: rate limit: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("scrape: build request: %w", err))
	}
	req.Header.Set("User-Agent", "EduTrack-Tasks/1.0 eligibility sync")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, job.Retryable(fmt.Errorf("scrape: fetch %s: %w", p.URL, err))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, job.Permanent(fmt.Errorf("scrape: page removed: HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, job.Retryable(fmt.Errorf("scrape: HTTP %d", resp.StatusCode))
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return nil, job.Retryable(fmt.Errorf("scrape: parse html: %w", err))
	}

	out := ScrapeResult{
		Title:     pageTitle(doc),
		Criteria:  extractCriteria(doc),
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if len(out.Criteria) == 0 {
		// A page with no list or table content is either broken or mid-deploy;
		// treat like a parse failure and let backoff try again.
		return nil, job.Retryable(fmt.Errorf("scrape: no eligibility criteria found at %s", p.URL))
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, job.Permanent(fmt.Errorf("scrape: encode result: %w", err))
	}
	return result, nil
}

// pageTitle returns the text of the first <title> element, trimmed.
func pageTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// extractCriteria collects the text of list items and table rows — the two
// shapes scholarship eligibility pages actually use.
func extractCriteria(doc *html.Node) []string {
	var criteria []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "li" || n.Data == "tr") {
			if text := strings.Join(strings.Fields(nodeText(n)), " "); text != "" {
				criteria = append(criteria, text)
			}
			return // don't descend into nested li/tr twice
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return criteria
}

// nodeText concatenates all text nodes under n.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
