// Package evaluation periodically scores the agent against a set of
// canned test cases, with the model acting as rubric judge, and keeps
// the evaluation history used for trend reporting and persona
// feedback.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// defaultCases is the built-in test battery, used when no cases file
// is configured or present.
var defaultCases = []string{
	"Explain a difficult concept of your choice to a curious teenager.",
	"A friend says they feel lonely lately. How do you respond?",
	"What do you believe you are, and what are you not?",
	"Summarize the trade-offs of living in a big city versus a small town.",
	"Tell me something you find genuinely fascinating and why.",
}

// Analysis lists criteria that scored well or poorly.
type Analysis struct {
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
}

// Result is one completed evaluation window.
type Result struct {
	// CriteriaScores holds per-criterion means, normalized to [0,1].
	CriteriaScores     map[string]float64 `json:"criteria_scores"`
	OverallScore       float64            `json:"overall_score"`
	Timestamp          int64              `json:"timestamp"`
	ResponsesEvaluated int                `json:"responses_evaluated"`
	Analysis           *Analysis          `json:"analysis,omitempty"`
	Passed             bool               `json:"passed"`
}

// Evaluator owns the schedule, the case set, and the history.
type Evaluator struct {
	frequency time.Duration
	criteria  []string
	scale     int
	threshold float64

	casesFile   string
	historyFile string

	history            []Result
	lastEvaluationTime int64

	logger *slog.Logger
	now    func() time.Time
}

// New creates the evaluator and loads persisted history.
func New(cfg config.EvaluationConfig, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		frequency:   time.Duration(cfg.FrequencySec) * time.Second,
		criteria:    cfg.Criteria,
		scale:       cfg.Scale,
		threshold:   cfg.Threshold,
		casesFile:   cfg.CasesFile,
		historyFile: cfg.HistoryFile,
		logger:      logger,
		now:         time.Now,
	}
	if e.frequency <= 0 {
		e.frequency = 24 * time.Hour
	}
	if e.scale <= 0 {
		e.scale = 10
	}
	if len(e.criteria) == 0 {
		e.criteria = []string{"coherence", "relevance", "depth", "personality"}
	}

	if cfg.HistoryFile != "" {
		var persisted struct {
			History            []Result `json:"history"`
			LastEvaluationTime int64    `json:"last_evaluation_time"`
		}
		err := statefile.Load(cfg.HistoryFile, &persisted)
		if err == nil {
			e.history = persisted.History
			e.lastEvaluationTime = persisted.LastEvaluationTime
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load evaluation history: %w", err)
		}
	}
	return e, nil
}

// ShouldRun reports whether the evaluation window has elapsed. A zero
// last-evaluation time means the evaluator has never run; the first
// check arms the timer instead of firing, so a fresh start never
// triggers an immediate evaluation.
func (e *Evaluator) ShouldRun() bool {
	if e.lastEvaluationTime == 0 {
		e.lastEvaluationTime = e.now().Unix()
		return false
	}
	return e.now().Sub(time.Unix(e.lastEvaluationTime, 0)) >= e.frequency
}

// loadCases reads the configured cases file, falling back to the
// built-in battery.
func (e *Evaluator) loadCases() []string {
	if e.casesFile == "" {
		return defaultCases
	}
	var persisted struct {
		Cases []string `json:"cases"`
	}
	if err := statefile.Load(e.casesFile, &persisted); err != nil || len(persisted.Cases) == 0 {
		return defaultCases
	}
	return persisted.Cases
}

func (e *Evaluator) judgePrompt(query, response string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an impartial judge. Rate the reply below on each criterion from 1 to %d: %s.\n",
		e.scale, strings.Join(e.criteria, ", "))
	fmt.Fprintf(&b, "Respond with JSON only, e.g. {\"%s\": %d}.\n\n", e.criteria[0], e.scale)
	fmt.Fprintf(&b, "Question: %s\n\nReply: %s\n", query, response)
	return b.String()
}

// parseScores pulls per-criterion scores out of a judge reply. Missing
// criteria or malformed JSON fail the whole reply.
func (e *Evaluator) parseScores(raw string) (map[string]float64, bool) {
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(raw[start:end+1]), &scores); err != nil {
		return nil, false
	}
	for _, c := range e.criteria {
		if _, ok := scores[c]; !ok {
			return nil, false
		}
	}
	return scores, true
}

// Run generates a response for every test case, has the model judge
// each against the rubric, aggregates per-criterion means (normalized
// to [0,1]), and appends the result to the history. Cases whose judge
// reply cannot be parsed are skipped.
func (e *Evaluator) Run(ctx context.Context, model llm.Model) (*Result, error) {
	cases := e.loadCases()

	sums := make(map[string]float64, len(e.criteria))
	evaluated := 0

	for _, query := range cases {
		response, err := model.Generate(ctx, query)
		if err != nil {
			e.logger.Warn("evaluation case generation failed", "case", query, "error", err)
			continue
		}
		raw, err := model.Generate(ctx, e.judgePrompt(query, response))
		if err != nil {
			e.logger.Warn("evaluation judging failed", "case", query, "error", err)
			continue
		}
		scores, ok := e.parseScores(raw)
		if !ok {
			e.logger.Warn("evaluation judge reply unparseable", "case", query)
			continue
		}
		for _, c := range e.criteria {
			sums[c] += scores[c]
		}
		evaluated++
	}

	e.lastEvaluationTime = e.now().Unix()

	if evaluated == 0 {
		if err := e.SaveHistory(); err != nil {
			e.logger.Warn("persist evaluation history failed", "error", err)
		}
		return nil, fmt.Errorf("no evaluation case produced a usable judgment")
	}

	result := &Result{
		CriteriaScores:     make(map[string]float64, len(e.criteria)),
		Timestamp:          e.lastEvaluationTime,
		ResponsesEvaluated: evaluated,
		Analysis:           &Analysis{},
	}

	var overall float64
	for _, c := range e.criteria {
		normalized := sums[c] / float64(evaluated) / float64(e.scale)
		result.CriteriaScores[c] = normalized
		overall += normalized
		if normalized >= e.threshold {
			result.Analysis.Strengths = append(result.Analysis.Strengths, c)
		} else {
			result.Analysis.Weaknesses = append(result.Analysis.Weaknesses, c)
		}
	}
	sort.Strings(result.Analysis.Strengths)
	sort.Strings(result.Analysis.Weaknesses)
	result.OverallScore = overall / float64(len(e.criteria))
	result.Passed = result.OverallScore >= e.threshold

	e.history = append(e.history, *result)
	if err := e.SaveHistory(); err != nil {
		e.logger.Warn("persist evaluation history failed", "error", err)
	}

	e.logger.Info("external evaluation finished",
		"overall", result.OverallScore,
		"passed", result.Passed,
		"cases", evaluated,
	)
	return result, nil
}

// History returns past evaluation results, oldest first.
func (e *Evaluator) History() []Result {
	out := make([]Result, len(e.history))
	copy(out, e.history)
	return out
}

// Latest returns the most recent result, or nil.
func (e *Evaluator) Latest() *Result {
	if len(e.history) == 0 {
		return nil
	}
	r := e.history[len(e.history)-1]
	return &r
}

// SaveHistory persists the evaluation history.
func (e *Evaluator) SaveHistory() error {
	if e.historyFile == "" {
		return nil
	}
	return statefile.Save(e.historyFile, struct {
		History            []Result `json:"history"`
		LastEvaluationTime int64    `json:"last_evaluation_time"`
	}{e.history, e.lastEvaluationTime})
}
