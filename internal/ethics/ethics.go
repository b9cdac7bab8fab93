// Package ethics scores candidate responses against the configured
// principles, maps scores to allow/review/block decisions, and drives
// the rewrite path for responses that fall short.
//
// Judgments come back from the model as free-form text that is
// expected to contain JSON. The parser is deliberately tolerant: a
// malformed judge reply never crashes the pipeline, it degrades to a
// pessimistic default with ParsingError set.
package ethics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/awalczyk/anima-agent/internal/config"
	"github.com/awalczyk/anima-agent/internal/llm"
	"github.com/awalczyk/anima-agent/internal/statefile"
)

// Judgment is the three-way decision over an ethical score.
type Judgment int

const (
	Allow Judgment = iota
	Review
	Block
)

// String implements fmt.Stringer.
func (j Judgment) String() string {
	switch j {
	case Allow:
		return "allow"
	case Review:
		return "review"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Judgment(%d)", int(j))
	}
}

// pessimisticScore is assumed when the judge reply cannot be parsed.
const pessimisticScore = 0.5

// Evaluation is the structured judgment of one response.
type Evaluation struct {
	EthicalScore        float64            `json:"ethical_score"`
	Reasoning           string             `json:"reasoning"`
	PrinciplesAlignment map[string]float64 `json:"principles_alignment"`
	ParsingError        bool               `json:"parsing_error,omitempty"`
}

// Reflection is one synthesized ethical reflection.
type Reflection struct {
	Reflection string   `json:"reflection"`
	Insights   []string `json:"insights"`
	CreatedAt  int64    `json:"created_at"`
}

// reflectionStore is the slice of the memory layer the framework
// needs; the agent passes its store in so this package holds no
// reference to memory.
type reflectionStore interface {
	StoreReflection(ctx context.Context, text string) error
}

// Framework evaluates responses and accumulates ethical reflections.
type Framework struct {
	passThreshold     float64
	moderateThreshold float64
	principles        []string
	rules             []string
	fallbackText      string

	reflections     []Reflection
	reflectionsFile string

	logger *slog.Logger
	now    func() time.Time
}

// New creates the framework and loads any persisted reflections.
// fallbackText substitutes for responses that fail even after rewrite.
func New(cfg config.EthicsConfig, fallbackText string, logger *slog.Logger) (*Framework, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Framework{
		passThreshold:     cfg.PassThreshold,
		moderateThreshold: cfg.ModerateThreshold,
		principles:        cfg.Principles,
		rules:             cfg.Rules,
		fallbackText:      fallbackText,
		reflectionsFile:   cfg.ReflectionsFile,
		logger:            logger,
		now:               time.Now,
	}

	if cfg.ReflectionsFile != "" {
		var persisted struct {
			Reflections []Reflection `json:"reflections"`
		}
		err := statefile.Load(cfg.ReflectionsFile, &persisted)
		if err == nil {
			f.reflections = persisted.Reflections
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load ethical reflections: %w", err)
		}
	}
	return f, nil
}

// judgePrompt asks the model for a structured judgment.
func (f *Framework) judgePrompt(response, query string) string {
	var b strings.Builder
	b.WriteString("You are an ethics reviewer. Judge the assistant reply below against these principles: ")
	b.WriteString(strings.Join(f.principles, ", "))
	b.WriteString(".\nRespond with JSON only, in this exact shape:\n")
	b.WriteString(`{"ethical_score": 0.0, "reasoning": "...", "principles_alignment": {"<principle>": 0.0}}`)
	b.WriteString("\nScores are between 0 and 1.\n\n")
	fmt.Fprintf(&b, "User message: %s\n\nAssistant reply: %s\n", query, response)
	return b.String()
}

// extractJSON pulls the outermost JSON object out of free-form model
// output (judges love to wrap JSON in prose).
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Evaluate asks the model to judge (response, query). It never returns
// an error for unparseable judge output; that case yields the
// pessimistic default.
func (f *Framework) Evaluate(ctx context.Context, model llm.Model, response, query string) Evaluation {
	raw, err := model.Generate(ctx, f.judgePrompt(response, query))
	if err != nil {
		f.logger.Warn("ethics judge call failed", "error", err)
		return Evaluation{
			EthicalScore: pessimisticScore,
			Reasoning:    fmt.Sprintf("judge call failed: %v", err),
			ParsingError: true,
		}
	}

	jsonText, ok := extractJSON(raw)
	if !ok {
		return Evaluation{
			EthicalScore: pessimisticScore,
			Reasoning:    "judge reply contained no JSON object",
			ParsingError: true,
		}
	}

	var eval Evaluation
	if err := json.Unmarshal([]byte(jsonText), &eval); err != nil {
		return Evaluation{
			EthicalScore: pessimisticScore,
			Reasoning:    fmt.Sprintf("judge reply not parseable: %v", err),
			ParsingError: true,
		}
	}

	if eval.EthicalScore < 0 {
		eval.EthicalScore = 0
	}
	if eval.EthicalScore > 1 {
		eval.EthicalScore = 1
	}
	return eval
}

// Decide maps a score onto the three-way judgment.
func (f *Framework) Decide(score float64) Judgment {
	switch {
	case score >= f.passThreshold:
		return Allow
	case score >= f.moderateThreshold:
		return Review
	default:
		return Block
	}
}

// rewritePrompt asks the model for a compliant rewrite guided by the
// principles and rules.
func (f *Framework) rewritePrompt(response, query, reasoning string) string {
	var b strings.Builder
	b.WriteString("Rewrite the assistant reply below so it fully respects these principles: ")
	b.WriteString(strings.Join(f.principles, ", "))
	b.WriteString(".\nHard rules:\n")
	for _, r := range f.rules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	if reasoning != "" {
		fmt.Fprintf(&b, "The reviewer flagged: %s\n", reasoning)
	}
	fmt.Fprintf(&b, "\nUser message: %s\n\nReply to rewrite: %s\n\nRewritten reply:", query, response)
	return b.String()
}

// ReviewResponse evaluates a response and, when the judgment is review
// or block, requests one rewrite. The rewrite is kept only when its
// score strictly improves on the original; otherwise the fixed safe
// fallback substitutes. Returns the final text and the evaluation that
// justified it.
func (f *Framework) ReviewResponse(ctx context.Context, model llm.Model, response, query string) (string, Evaluation) {
	eval := f.Evaluate(ctx, model, response, query)
	if f.Decide(eval.EthicalScore) == Allow {
		return response, eval
	}

	f.logger.Info("ethics review triggered",
		"score", eval.EthicalScore,
		"judgment", f.Decide(eval.EthicalScore).String(),
	)

	rewritten, err := model.Generate(ctx, f.rewritePrompt(response, query, eval.Reasoning))
	if err != nil {
		f.logger.Warn("ethics rewrite failed", "error", err)
		return f.fallbackText, eval
	}
	rewritten = strings.TrimSpace(rewritten)

	reEval := f.Evaluate(ctx, model, rewritten, query)
	if reEval.EthicalScore > eval.EthicalScore {
		return rewritten, reEval
	}
	return f.fallbackText, reEval
}

// SynthesizeReflection produces one ethical reflection from the recent
// evaluations, appends it to the log, persists the log, and stores the
// reflection text in memory.
func (f *Framework) SynthesizeReflection(ctx context.Context, model llm.Model, store reflectionStore) error {
	prompt := fmt.Sprintf(
		"Reflect in one paragraph on how well recent replies upheld these principles: %s. "+
			"Then list up to three short insights, one per line, prefixed with '- '.",
		strings.Join(f.principles, ", "),
	)
	raw, err := model.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("synthesize ethical reflection: %w", err)
	}

	paragraph, insights := splitReflection(raw)
	refl := Reflection{
		Reflection: paragraph,
		Insights:   insights,
		CreatedAt:  f.now().Unix(),
	}
	f.reflections = append(f.reflections, refl)

	if store != nil {
		if err := store.StoreReflection(ctx, paragraph); err != nil {
			f.logger.Warn("store ethical reflection in memory failed", "error", err)
		}
	}
	return f.SaveReflections()
}

// splitReflection separates the reflection paragraph from "- " insight
// lines.
func splitReflection(raw string) (string, []string) {
	var para []string
	var insights []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			insights = append(insights, strings.TrimPrefix(line, "- "))
			continue
		}
		para = append(para, line)
	}
	return strings.Join(para, " "), insights
}

// Reflections returns the accumulated ethical reflections.
func (f *Framework) Reflections() []Reflection {
	out := make([]Reflection, len(f.reflections))
	copy(out, f.reflections)
	return out
}

// SaveReflections persists the reflection log.
func (f *Framework) SaveReflections() error {
	if f.reflectionsFile == "" {
		return nil
	}
	return statefile.Save(f.reflectionsFile, struct {
		Reflections []Reflection `json:"reflections"`
	}{f.reflections})
}
