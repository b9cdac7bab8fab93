// Package fetch downloads web pages and reduces them to readable text
// for discovery records. Scripts, styles, navigation, and other
// boilerplate are stripped.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/awalczyk/anima-agent/internal/httpkit"
)

// defaultTimeout is the HTTP request timeout for page fetches.
const defaultTimeout = 30 * time.Second

// defaultMaxBytes bounds the response body read (5 MB).
const defaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultMaxChars is the default character limit for extracted text.
const DefaultMaxChars = 50000

// Page holds the fetched and extracted content of one URL.
type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	Truncated  bool   `json:"truncated,omitempty"`
	StatusCode int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(defaultTimeout)),
		maxBytes: defaultMaxBytes,
	}
}

// Fetch downloads the URL and extracts readable text. maxChars bounds
// the output; 0 uses DefaultMaxChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,pl;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	var title, content string
	switch {
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		title, content = extractHTML(string(body))
	case utf8.Valid(body):
		content = string(body)
	default:
		return nil, fmt.Errorf("fetch: %s is not text (%s)", rawURL, contentType)
	}

	truncated := false
	if len(content) > maxChars {
		content = truncateUTF8(content, maxChars)
		truncated = true
	}

	return &Page{
		URL:        rawURL,
		Title:      title,
		Content:    content,
		Truncated:  truncated,
		StatusCode: resp.StatusCode,
	}, nil
}

// truncateUTF8 cuts s to at most maxChars runes without splitting a
// multi-byte character.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
