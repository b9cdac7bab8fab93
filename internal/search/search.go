// Package search provides the pluggable web search layer behind
// autonomous exploration.
//
// Each provider implements the [Provider] interface and is registered
// by name; the [Manager] routes queries to the provider selected in
// configuration.
package search

import (
	"context"
	"fmt"
	"strconv"

	"github.com/awalczyk/anima-agent/internal/config"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return. Providers may
	// return fewer. Zero means the configured default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "pl").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers  map[string]Provider
	primary    string
	maxResults int
}

// NewManager builds a manager from configuration, registering every
// provider the config enables. The configured provider name selects
// the default backend.
func NewManager(cfg config.SearchConfig) *Manager {
	m := &Manager{
		providers:  make(map[string]Provider),
		primary:    cfg.Provider,
		maxResults: cfg.MaxResults,
	}
	if m.maxResults <= 0 {
		m.maxResults = 5
	}

	m.Register(NewDuckDuckGo(cfg))
	if cfg.SearXNGURL != "" {
		m.Register(NewSearXNG(cfg))
	}
	return m
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider, clamped to the
// configured result cap.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	if opts.Count <= 0 || opts.Count > m.maxResults {
		opts.Count = m.maxResults
	}
	return p.Search(ctx, query, opts)
}

// Providers returns the names of all registered providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// FormatResults builds a human-readable result string.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var buf []byte
	for i, r := range results {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, strconv.Itoa(i+1)...)
		buf = append(buf, ". "...)
		buf = append(buf, r.Title...)
		buf = append(buf, '\n')
		buf = append(buf, "   "...)
		buf = append(buf, r.URL...)
		if r.Snippet != "" {
			buf = append(buf, '\n')
			buf = append(buf, "   "...)
			buf = append(buf, r.Snippet...)
		}
	}
	return string(buf)
}
