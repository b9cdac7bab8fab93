// Package explore drives the agent's autonomous curiosity: periodic
// web exploration of interest topics into discovery records, and
// rate-limited conversation initiations toward active users.
package explore

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/search"
)

// Discovery caps.
const (
	maxDiscoveries    = 50
	workingSetSize    = 20
	resultsPerExplore = 2
)

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Discovery is one piece of explored content.
type Discovery struct {
	Topic     string `json:"topic"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
	// Importance is in [0.5, 1.0]; discoveries start at least half
	// interesting or they would not have been kept.
	Importance float64 `json:"importance"`
}

// searcher is the slice of the search layer exploration needs.
type searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// messenger is the transport slice used for initiations.
type messenger interface {
	Send(ctx context.Context, recipient, text string) error
	ActiveUsers() []string
}

// Explorer owns discovery state and the initiation budget.
type Explorer struct {
	initProbability float64
	minGap          time.Duration
	maxDaily        int
	defaultTopics   []string

	discoveries []Discovery

	lastInitiation   time.Time
	initiationsToday int
	initiationDay    string

	logger *slog.Logger
	now    func() time.Time
	rand   RandSource
}

// New creates the explorer.
func New(cfg config.ExploreConfig, logger *slog.Logger) *Explorer {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Explorer{
		initProbability: cfg.InitProbability,
		minGap:          time.Duration(cfg.MinSecondsBetweenInitiations) * time.Second,
		maxDaily:        cfg.MaxDailyInitiations,
		defaultTopics:   cfg.DefaultTopics,
		logger:          logger,
		now:             time.Now,
		rand:            defaultRand{},
	}
	if e.maxDaily <= 0 {
		e.maxDaily = 3
	}
	return e
}

// pickTopic selects a random topic from interests plus defaults.
func (e *Explorer) pickTopic(interests []string) string {
	pool := make([]string, 0, len(interests)+len(e.defaultTopics))
	pool = append(pool, interests...)
	pool = append(pool, e.defaultTopics...)
	if len(pool) == 0 {
		return "something interesting"
	}
	return pool[int(e.rand.Float64()*float64(len(pool)))%len(pool)]
}

// Explore picks a topic, searches the web, and turns up to two results
// into discovery records on the bounded list. It returns the new
// discoveries.
func (e *Explorer) Explore(ctx context.Context, s searcher, interests []string) ([]Discovery, error) {
	topic := e.pickTopic(interests)

	results, err := s.Search(ctx, topic, search.Options{Count: resultsPerExplore})
	if err != nil {
		return nil, fmt.Errorf("explore %q: %w", topic, err)
	}

	now := e.now().Unix()
	var fresh []Discovery
	for i, r := range results {
		if i >= resultsPerExplore {
			break
		}
		content := r.Title
		if r.Snippet != "" && r.Snippet != r.Title {
			content = r.Title + ": " + r.Snippet
		}
		fresh = append(fresh, Discovery{
			Topic:      topic,
			Content:    content,
			Source:     r.URL,
			Timestamp:  now,
			Importance: 0.5 + 0.5*e.rand.Float64(),
		})
	}

	e.discoveries = append(e.discoveries, fresh...)
	if len(e.discoveries) > maxDiscoveries {
		e.discoveries = e.discoveries[len(e.discoveries)-maxDiscoveries:]
	}

	e.logger.Info("explored topic", "topic", topic, "discoveries", len(fresh))
	return fresh, nil
}

// RecentDiscoveries returns up to n most recent discoveries (capped at
// the working set size), newest last.
func (e *Explorer) RecentDiscoveries(n int) []Discovery {
	if n <= 0 || n > workingSetSize {
		n = workingSetSize
	}
	if n > len(e.discoveries) {
		n = len(e.discoveries)
	}
	out := make([]Discovery, n)
	copy(out, e.discoveries[len(e.discoveries)-n:])
	return out
}

// initiationTopic is weighted toward recent discoveries.
func (e *Explorer) initiationTopic(interests []string) string {
	recent := e.RecentDiscoveries(5)
	if len(recent) > 0 && e.rand.Float64() < 0.7 {
		return recent[int(e.rand.Float64()*float64(len(recent)))%len(recent)].Topic
	}
	return e.pickTopic(interests)
}

// MaybeInitiate rolls the initiation dice and, when the roll and both
// rate limits allow, asks the model for an opener and sends it to
// every active user. The initiation only counts against the budget
// when at least one send succeeded.
func (e *Explorer) MaybeInitiate(ctx context.Context, model llm.Model, tr messenger, interests []string) (bool, error) {
	if e.rand.Float64() >= e.initProbability {
		return false, nil
	}

	now := e.now()
	if !e.lastInitiation.IsZero() && now.Sub(e.lastInitiation) < e.minGap {
		return false, nil
	}
	if day := now.Format("2006-01-02"); day != e.initiationDay {
		e.initiationDay = day
		e.initiationsToday = 0
	}
	if e.initiationsToday >= e.maxDaily {
		return false, nil
	}

	users := tr.ActiveUsers()
	if len(users) == 0 {
		return false, nil
	}

	topic := e.initiationTopic(interests)
	opener, err := model.Generate(ctx, fmt.Sprintf(
		"Write one short, friendly message (1-2 sentences) opening a conversation about %s. "+
			"Sound curious and personal, not like a newsletter.", topic))
	if err != nil {
		return false, fmt.Errorf("generate opener: %w", err)
	}
	opener = strings.TrimSpace(opener)

	sent := 0
	for _, user := range users {
		if err := tr.Send(ctx, user, opener); err != nil {
			e.logger.Warn("initiation send failed", "user", user, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return false, fmt.Errorf("initiation reached no users")
	}

	e.lastInitiation = now
	e.initiationsToday++
	e.logger.Info("conversation initiated", "topic", topic, "recipients", sent)
	return true, nil
}
