package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/httpkit"
)

// duckDuckGoAPI is the Instant Answer endpoint. It needs no API key,
// which makes it the zero-configuration default provider.
const duckDuckGoAPI = "https://api.duckduckgo.com/"

// DuckDuckGo implements Provider on the DuckDuckGo Instant Answer API.
type DuckDuckGo struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo(cfg config.SearchConfig) *DuckDuckGo {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DuckDuckGo{
		baseURL:    duckDuckGoAPI,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

// ddgResponse is the subset of the Instant Answer payload we consume.
type ddgResponse struct {
	Heading       string     `json:"Heading"`
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// ddgTopic is either a leaf result or a named group of nested topics.
type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count <= 0 {
		count = 5
	}

	params := url.Values{
		"q":           {query},
		"format":      {"json"},
		"no_html":     {"1"},
		"no_redirect": {"1"},
	}
	reqURL := fmt.Sprintf("%s?%s", d.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, body)
	}

	var dr ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("duckduckgo: decode response: %w", err)
	}

	var results []Result
	if dr.AbstractText != "" {
		results = append(results, Result{
			Title:   dr.Heading,
			URL:     dr.AbstractURL,
			Snippet: dr.AbstractText,
		})
	}
	appendTopics(&results, dr.RelatedTopics, count)

	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// appendTopics flattens the topic tree into results until the cap.
func appendTopics(results *[]Result, topics []ddgTopic, count int) {
	for _, t := range topics {
		if len(*results) >= count {
			return
		}
		if len(t.Topics) > 0 {
			appendTopics(results, t.Topics, count)
			continue
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		*results = append(*results, Result{
			Title:   t.Text,
			URL:     t.FirstURL,
			Snippet: t.Text,
		})
	}
}
