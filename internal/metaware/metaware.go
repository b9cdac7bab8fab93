// Package metaware tracks the interaction counter, produces periodic
// reflections over recent conversation, distills discovery insights,
// and designs generation-parameter experiments from reflections.
package metaware

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/memory"
)

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	// Float64 returns a pseudo-random float64 in the half-open interval [0.0, 1.0).
	Float64() float64
}

// defaultRand uses math/rand/v2's global source.
type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Experiment statuses.
const (
	StatusPlanned   = "planned"
	StatusCompleted = "completed"
)

// Experiment is one planned generation-parameter change and, once run,
// its measured outcome.
type Experiment struct {
	ID         string `json:"id"`
	Hypothesis string `json:"hypothesis"`
	// Parameters maps a generation parameter name to its trial value.
	Parameters map[string]float64 `json:"parameters"`
	Metrics    []string           `json:"metrics"`
	Status     string             `json:"status"`
	Results    map[string]float64 `json:"results,omitempty"`
	CreatedAt  int64              `json:"created_at"`
}

// conversationSource is the slice of the memory layer reflections read
// from and write to.
type conversationSource interface {
	RetrieveLastInteractions(n int) []memory.Pair
	StoreReflection(ctx context.Context, text string) error
}

// Engine holds metawareness state. Owned by the agent loop.
type Engine struct {
	frequency int
	depth     int

	count       int
	reflections []string
	insights    []string
	queue       []*Experiment

	logger *slog.Logger
	now    func() time.Time
	rand   RandSource
}

// New creates the engine.
func New(cfg config.MetawareConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		frequency: cfg.ReflectionFrequency,
		depth:     cfg.ReflectionDepth,
		logger:    logger,
		now:       time.Now,
		rand:      defaultRand{},
	}
	if e.frequency <= 0 {
		e.frequency = 10
	}
	if e.depth <= 0 {
		e.depth = 5
	}
	return e
}

// RecordInteraction advances the interaction counter.
func (e *Engine) RecordInteraction() {
	e.count++
}

// Count returns the interaction counter.
func (e *Engine) Count() int {
	return e.count
}

// ShouldReflect reports whether a reflection is due: the counter is
// positive and a multiple of the reflection frequency.
func (e *Engine) ShouldReflect() bool {
	return e.count > 0 && e.count%e.frequency == 0
}

// Reflect pulls the last reflection-depth interaction pairs, asks the
// model for a reflection paragraph, appends it to the in-memory list,
// and persists it via the conversation source.
func (e *Engine) Reflect(ctx context.Context, model llm.Model, conv conversationSource) (string, error) {
	pairs := conv.RetrieveLastInteractions(e.depth)

	var b strings.Builder
	b.WriteString("Reflect in one short paragraph, in first person, on the recent conversation below. ")
	b.WriteString("Focus on what went well, what to adjust, and anything learned about the user.\n\n")
	if len(pairs) == 0 {
		b.WriteString("(no recent conversation; reflect on the quiet period)\n")
	}
	for _, p := range pairs {
		fmt.Fprintf(&b, "User: %s\n", p.UserMessage.Content)
		if p.ResponseText != "" {
			fmt.Fprintf(&b, "Me: %s\n", p.ResponseText)
		}
	}

	text, err := model.Generate(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("generate reflection: %w", err)
	}
	text = strings.TrimSpace(text)
	e.reflections = append(e.reflections, text)

	if err := conv.StoreReflection(ctx, text); err != nil {
		e.logger.Warn("persist reflection failed", "error", err)
	}
	e.logger.Info("reflection produced", "interactions", e.count, "pairs", len(pairs))
	return text, nil
}

// RecentReflections returns up to n most recent reflections, newest
// last.
func (e *Engine) RecentReflections(n int) []string {
	return tail(e.reflections, n)
}

// ProcessDiscoveries asks the model for one insight per discovery and
// appends them to the insight list. A failed generation skips that
// discovery.
func (e *Engine) ProcessDiscoveries(ctx context.Context, model llm.Model, discoveries []string) {
	for _, d := range discoveries {
		prompt := fmt.Sprintf(
			"State one concise insight (a single sentence) that follows from this discovery: %s",
			d,
		)
		insight, err := model.Generate(ctx, prompt)
		if err != nil {
			e.logger.Warn("insight generation failed", "discovery", d, "error", err)
			continue
		}
		e.insights = append(e.insights, strings.TrimSpace(insight))
	}
}

// RecentInsights returns up to n most recent insights, newest last.
func (e *Engine) RecentInsights(n int) []string {
	return tail(e.insights, n)
}

// candidate generation-parameter trials an experiment can pick from.
// Values are absolute trial targets, not deltas.
var experimentCandidates = []struct {
	parameter string
	values    []float64
}{
	{"temperature", []float64{0.5, 0.8, 0.9}},
	{"top_p", []float64{0.85, 0.95}},
	{"repetition_penalty", []float64{1.05, 1.2}},
}

// DesignExperiment creates a planned experiment from a reflection and
// queues it. The trial parameter and value are chosen pseudo-randomly.
func (e *Engine) DesignExperiment(reflection string) *Experiment {
	cand := experimentCandidates[int(e.rand.Float64()*float64(len(experimentCandidates)))%len(experimentCandidates)]
	value := cand.values[int(e.rand.Float64()*float64(len(cand.values)))%len(cand.values)]

	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails when the entropy source does.
		e.logger.Error("generate experiment id failed", "error", err)
		return nil
	}

	summary := reflection
	if len(summary) > 120 {
		summary = summary[:120]
	}
	exp := &Experiment{
		ID:         id.String(),
		Hypothesis: fmt.Sprintf("adjusting %s to %.2f improves response quality (prompted by: %s)", cand.parameter, value, summary),
		Parameters: map[string]float64{cand.parameter: value},
		Metrics:    []string{"coherence", "relevance", "engagement"},
		Status:     StatusPlanned,
		CreatedAt:  e.now().Unix(),
	}
	e.queue = append(e.queue, exp)
	e.logger.Info("experiment designed", "id", exp.ID, "parameter", cand.parameter, "value", value)
	return exp
}

// NextPlanned dequeues the oldest planned experiment, or nil.
func (e *Engine) NextPlanned() *Experiment {
	for i, exp := range e.queue {
		if exp.Status == StatusPlanned {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return exp
		}
	}
	return nil
}

// QueueLen reports how many experiments are waiting.
func (e *Engine) QueueLen() int {
	return len(e.queue)
}

func tail(s []string, n int) []string {
	if n <= 0 || len(s) == 0 {
		return nil
	}
	if n > len(s) {
		n = len(s)
	}
	out := make([]string, n)
	copy(out, s[len(s)-n:])
	return out
}
